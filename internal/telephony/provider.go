// Package telephony defines the call-platform adapter used by the dispatcher and the enrichment poller.
package telephony

import (
	"context"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// ErrRejectedCallID is returned by GetCall when the platform does not know the call id.
var ErrRejectedCallID = apperrors.ErrRejectedCallID

// Provider abstracts the call platform.
type Provider interface {
	// StartCall asks the voice agent to call phone and returns the platform call id.
	StartCall(ctx context.Context, phoneE164, agentID string) (string, error)
	// GetCall returns the current report of a call. Callers apply it only when report.Closed().
	GetCall(ctx context.Context, callID string) (domain.CallReport, error)
}
