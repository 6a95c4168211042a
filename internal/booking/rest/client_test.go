package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/booking"
	"github.com/acme/dental-outreach/internal/config"
	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

func TestFindSlotsAndReserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/clinic-areas/MAD-01/slots":
			assert.Equal(t, "2025-02-14", r.URL.Query().Get("from"))
			_, _ = w.Write([]byte(`{"slots":[{"id":"s1","clinic_area_id":"MAD-01","clinic_name":"Centro","start":"2025-02-14T09:00:00Z","end":"2025-02-14T09:30:00Z"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/reservations":
			var body reserveRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.SlotID == "taken" {
				w.WriteHeader(http.StatusConflict)
				return
			}
			_, _ = w.Write([]byte(`{"reservation_id":"r-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(config.BookingPlatformConfig{BaseURL: srv.URL, APIKey: "k"}, config.TimeoutConfig{Connect: time.Second, Read: time.Second}, nil)
	ctx := context.Background()

	slots, err := client.FindSlots(ctx, "MAD-01", time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, domain.TimeOfDayMorning, slots[0].TimeOfDay())

	id, err := client.Reserve(ctx, booking.ReserveRequest{Slot: slots[0], UserID: "42", Phone: "+34611000001"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", id)

	_, err = client.Reserve(ctx, booking.ReserveRequest{Slot: domain.Slot{ID: "taken"}, UserID: "42"})
	assert.True(t, errors.Is(err, booking.ErrSlotConflict))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}
