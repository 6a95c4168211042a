// Package rest talks to the voice-agent platform over HTTPS.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/config"
	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/infra/httpclient"
	"github.com/acme/dental-outreach/internal/telephony"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
	"github.com/acme/dental-outreach/pkg/logger"
)

const rejectedCallIDMarker = "wrong callid"

type startCallRequest struct {
	PhoneNumber string `json:"phone_number"`
	AgentID     string `json:"agent_id"`
}

type startCallResponse struct {
	CallID string `json:"call_id"`
}

type callResponse struct {
	CallID        string         `json:"call_id"`
	Status        string         `json:"status"`
	Duration      int            `json:"duration"`
	OutcomeCode   int            `json:"outcome_code"`
	CollectedInfo map[string]any `json:"collected_info"`
	RecordingURL  string         `json:"recording_url"`
}

// Client is the HTTP call-platform adapter.
type Client struct {
	http   *resty.Client
	logger *logger.Logger
}

var _ telephony.Provider = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.CallPlatformConfig, timeouts config.TimeoutConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		http: httpclient.New(httpclient.Options{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			ConnectTimeout: timeouts.Connect,
			ReadTimeout:    timeouts.Read,
			RetryCount:     cfg.RetryCount,
		}),
		logger: log.Named("call-platform"),
	}
}

// StartCall implements telephony.Provider.
func (c *Client) StartCall(ctx context.Context, phoneE164, agentID string) (string, error) {
	var out startCallResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(startCallRequest{PhoneNumber: phoneE164, AgentID: agentID}).
		SetResult(&out).
		Post("/v1/calls")
	if err := httpclient.Classify("call platform: start call", resp, err); err != nil {
		c.logger.WithContext(ctx).Warn("call platform: start call failed", zap.String("agent_id", agentID), zap.Error(err))
		return "", err
	}
	if out.CallID == "" {
		return "", fmt.Errorf("call platform: start call: empty call id: %w", apperrors.ErrRetryableExternal)
	}
	return out.CallID, nil
}

// GetCall implements telephony.Provider.
func (c *Client) GetCall(ctx context.Context, callID string) (domain.CallReport, error) {
	var out callResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("callID", callID).
		SetResult(&out).
		Get("/v1/calls/{callID}")
	if err := httpclient.Classify("call platform: get call", resp, err); err != nil {
		if rejected(err) {
			return domain.CallReport{}, fmt.Errorf("call platform: get call %s: %w", callID, telephony.ErrRejectedCallID)
		}
		return domain.CallReport{}, err
	}
	return domain.CallReport{
		CallID:          callID,
		Status:          out.Status,
		DurationSeconds: out.Duration,
		OutcomeCode:     out.OutcomeCode,
		CollectedInfo:   out.CollectedInfo,
		RecordingURL:    out.RecordingURL,
	}, nil
}

func rejected(err error) bool {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status >= http.StatusInternalServerError {
		return false
	}
	return statusErr.Status == http.StatusNotFound || strings.Contains(strings.ToLower(statusErr.Body), rejectedCallIDMarker)
}
