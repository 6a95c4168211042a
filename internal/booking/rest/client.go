// Package rest talks to the clinic booking platform over HTTPS.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/booking"
	"github.com/acme/dental-outreach/internal/config"
	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/infra/httpclient"
	"github.com/acme/dental-outreach/pkg/logger"
)

type slotRecord struct {
	ID           string    `json:"id"`
	ClinicAreaID string    `json:"clinic_area_id"`
	ClinicName   string    `json:"clinic_name"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

func (r slotRecord) toDomain() domain.Slot {
	return domain.Slot{ID: r.ID, ClinicAreaID: r.ClinicAreaID, ClinicName: r.ClinicName, Start: r.Start, End: r.End}
}

type slotsResponse struct {
	Slots []slotRecord `json:"slots"`
}

type reserveRequest struct {
	SlotID string   `json:"slot_id"`
	UserID string   `json:"user_id"`
	Phone  string   `json:"phone"`
	Tags   []string `json:"tags,omitempty"`
}

type reserveResponse struct {
	ReservationID string `json:"reservation_id"`
}

// Client is the HTTP booking-platform adapter.
type Client struct {
	http   *resty.Client
	logger *logger.Logger
}

var _ booking.Provider = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.BookingPlatformConfig, timeouts config.TimeoutConfig, log *logger.Logger) *Client {
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
		logger: log.Named("booking-platform"),
	}
}

// FindSlots implements booking.Provider.
func (c *Client) FindSlots(ctx context.Context, clinicAreaID string, from time.Time) ([]domain.Slot, error) {
	var out slotsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("area", clinicAreaID).
		SetQueryParam("from", from.Format(domain.DateLayout)).
		SetResult(&out).
		Get("/v1/clinic-areas/{area}/slots")
	if err := httpclient.Classify("booking platform: find slots", resp, err); err != nil {
		return nil, err
	}
	slots := make([]domain.Slot, 0, len(out.Slots))
	for _, s := range out.Slots {
		slots = append(slots, s.toDomain())
	}
	return slots, nil
}

// Reserve implements booking.Provider. A 409 is reported as booking.ErrSlotConflict.
func (c *Client) Reserve(ctx context.Context, req booking.ReserveRequest) (string, error) {
	var out reserveResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(reserveRequest{SlotID: req.Slot.ID, UserID: req.UserID, Phone: req.Phone, Tags: req.Tags}).
		SetResult(&out).
		Post("/v1/reservations")
	if err := httpclient.Classify("booking platform: reserve", resp, err); err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusConflict {
			return "", fmt.Errorf("booking platform: reserve slot %s: %w", req.Slot.ID, booking.ErrSlotConflict)
		}
		c.logger.WithContext(ctx).Warn("booking platform: reserve failed", zap.String("slot_id", req.Slot.ID), zap.Error(err))
		return "", err
	}
	return out.ReservationID, nil
}
