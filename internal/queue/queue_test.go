package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/domain"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

type sliceReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *sliceReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *sliceReader) Close() error { return nil }

func TestBookingIntentPublisherKeysByLead(t *testing.T) {
	w := &recordingWriter{}
	pub := NewBookingIntentPublisherWithWriter(w)
	intent := domain.NewBookingIntent(domain.BookingIntentPayload{LeadID: 4, Date: "2025-02-14", TimeOfDay: domain.TimeOfDayMorning, WithPack: true}, time.Now())

	require.NoError(t, pub.Publish(context.Background(), NewBookingIntentMessage(&intent, time.Now())))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "4", string(w.msgs[0].Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "2025-02-14", decoded["date"])
	assert.Equal(t, "morning", decoded["tod"])
	assert.Equal(t, true, decoded["with_pack"])
}

func TestConsumerCommitsEveryMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, err := json.Marshal(BookingIntentMessage{IntentID: uuid.New(), LeadID: 1, Date: "2025-02-14"})
	require.NoError(t, err)
	failing, err := json.Marshal(BookingIntentMessage{IntentID: uuid.New(), LeadID: 2, Date: "2025-02-15"})
	require.NoError(t, err)
	reader := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("{not json")},
		{Offset: 3, Value: failing},
	}}

	var handled []int64
	consumer := NewBookingIntentConsumerWithReader(reader, nil)
	err = consumer.Run(ctx, func(_ context.Context, msg BookingIntentMessage) error {
		handled = append(handled, msg.LeadID)
		if msg.LeadID == 2 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, handled)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
}
