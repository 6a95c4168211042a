// Package mock is an in-process booking platform with a fixed daily timetable.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acme/dental-outreach/internal/booking"
	"github.com/acme/dental-outreach/internal/domain"
)

var dailyStarts = []int{9, 11, 16, 18}

// Provider offers four half-hour slots per weekday for the next Days days.
type Provider struct {
	Days int

	mu       sync.Mutex
	taken    map[string]string
	reserves int
}

var _ booking.Provider = (*Provider)(nil)

// NewProvider constructs a mock booking platform.
func NewProvider() *Provider {
	return &Provider{Days: 14, taken: make(map[string]string)}
}

// FindSlots implements booking.Provider.
func (p *Provider) FindSlots(ctx context.Context, clinicAreaID string, from time.Time) ([]domain.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	var slots []domain.Slot
	for i := 0; i < p.Days; i++ {
		d := day.AddDate(0, 0, i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		for _, hour := range dailyStarts {
			start := d.Add(time.Duration(hour) * time.Hour)
			id := fmt.Sprintf("%s-%s", clinicAreaID, start.Format("20060102T1504"))
			if _, ok := p.taken[id]; ok {
				continue
			}
			slots = append(slots, domain.Slot{
				ID:           id,
				ClinicAreaID: clinicAreaID,
				ClinicName:   "Clínica " + clinicAreaID,
				Start:        start,
				End:          start.Add(30 * time.Minute),
			})
		}
	}
	return slots, nil
}

// Reserve implements booking.Provider.
func (p *Provider) Reserve(ctx context.Context, req booking.ReserveRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.taken[req.Slot.ID]; ok {
		return "", fmt.Errorf("mock booking platform: %s: %w", req.Slot.ID, booking.ErrSlotConflict)
	}
	p.reserves++
	id := fmt.Sprintf("res-%d", p.reserves)
	p.taken[req.Slot.ID] = id
	return id, nil
}

// Take marks a slot as reserved by someone else.
func (p *Provider) Take(slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taken[slotID] = "external"
}

// Reservations returns how many reservations were accepted.
func (p *Provider) Reservations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserves
}
