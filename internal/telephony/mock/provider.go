package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/telephony"
)

// Provider simulates the call platform. Calls get a random outcome unless a report is scripted.
type Provider struct {
	mu       sync.Mutex
	rng      *rand.Rand
	reports  map[string]domain.CallReport
	rejected map[string]bool
	next     []domain.CallReport
	startErr error
	started  []string
}

var _ telephony.Provider = (*Provider)(nil)

// NewProvider constructs a mock provider with deterministic randomness.
func NewProvider(seed int64) *Provider {
	return &Provider{
		rng:      rand.New(rand.NewSource(seed)),
		reports:  make(map[string]domain.CallReport),
		rejected: make(map[string]bool),
	}
}

// QueueReport makes the next started call end with report.
func (p *Provider) QueueReport(report domain.CallReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = append(p.next, report)
}

// SetReport scripts the report returned for callID.
func (p *Provider) SetReport(callID string, report domain.CallReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report.CallID = callID
	p.reports[callID] = report
}

// Reject makes GetCall answer "wrong CallId" for callID.
func (p *Provider) Reject(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[callID] = true
}

// FailStarts makes StartCall return err until cleared with nil.
func (p *Provider) FailStarts(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// Started lists the numbers dialled so far.
func (p *Provider) Started() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

// StartCall simulates a call attempt.
func (p *Provider) StartCall(ctx context.Context, phoneE164, agentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return "", p.startErr
	}

	callID := uuid.NewString()
	var report domain.CallReport
	if len(p.next) > 0 {
		report, p.next = p.next[0], p.next[1:]
	} else {
		report = p.randomReport()
	}
	report.CallID = callID
	p.reports[callID] = report
	p.started = append(p.started, phoneE164)
	return callID, nil
}

// GetCall returns the scripted or simulated report.
func (p *Provider) GetCall(ctx context.Context, callID string) (domain.CallReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.CallReport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejected[callID] {
		return domain.CallReport{}, fmt.Errorf("mock call platform: %s: %w", callID, telephony.ErrRejectedCallID)
	}
	report, ok := p.reports[callID]
	if !ok {
		return domain.CallReport{}, fmt.Errorf("mock call platform: %s: %w", callID, telephony.ErrRejectedCallID)
	}
	return report, nil
}

func (p *Provider) randomReport() domain.CallReport {
	report := domain.CallReport{Status: "closed", DurationSeconds: 5 + p.rng.Intn(120)}
	switch roll := p.rng.Float64(); {
	case roll < 0.35:
		report.OutcomeCode = 7
		report.CollectedInfo = map[string]any{"buzon": p.rng.Intn(2) == 0}
	case roll < 0.55:
		report.OutcomeCode = 4
	case roll < 0.65:
		report.OutcomeCode = 5
	case roll < 0.70:
		report.OutcomeCode = 6
	case roll < 0.85:
		report.OutcomeCode = 1
		report.CollectedInfo = map[string]any{"noInteresado": true, "razonNoInteres": "no da motivos"}
	default:
		report.OutcomeCode = 1
		report.CollectedInfo = map[string]any{"conPack": p.rng.Intn(2) == 0, "preferenciaMT": "morning"}
	}
	return report
}
