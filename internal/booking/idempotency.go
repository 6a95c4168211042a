package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// DefaultIdempotencyWindow is how long identical reservations collapse into one.
const DefaultIdempotencyWindow = 60 * time.Second

const pendingMarker = "\x00pending"

// ErrReservationInFlight reports an identical reservation still running elsewhere.
var ErrReservationInFlight = errors.Join(apperrors.ErrRetryableExternal, errors.New("identical reservation in flight"))

// IdempotencyStore remembers reservations by key for a window.
type IdempotencyStore interface {
	// Begin claims key. When the key is already claimed it returns the stored reservation id,
	// or pendingMarker while the first caller has not finished.
	Begin(ctx context.Context, key string, window time.Duration) (existing string, claimed bool, err error)
	Finish(ctx context.Context, key, reservationID string, window time.Duration) error
	Abort(ctx context.Context, key string) error
}

// Idempotent wraps a provider so that repeated reservations of the same slot for the same user
// within the window return the first reservation id.
type Idempotent struct {
	Provider
	store  IdempotencyStore
	window time.Duration
}

// NewIdempotent decorates p.
func NewIdempotent(p Provider, store IdempotencyStore, window time.Duration) *Idempotent {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	return &Idempotent{Provider: p, store: store, window: window}
}

// Reserve implements Provider.
func (i *Idempotent) Reserve(ctx context.Context, req ReserveRequest) (string, error) {
	key := reservationKey(req.Slot.ID, req.UserID)
	existing, claimed, err := i.store.Begin(ctx, key, i.window)
	if err != nil {
		return "", fmt.Errorf("booking: idempotency begin: %w", err)
	}
	if !claimed {
		if existing == pendingMarker {
			return "", ErrReservationInFlight
		}
		return existing, nil
	}

	id, err := i.Provider.Reserve(ctx, req)
	if err != nil {
		if abortErr := i.store.Abort(ctx, key); abortErr != nil {
			return "", errors.Join(err, abortErr)
		}
		return "", err
	}
	if err := i.store.Finish(ctx, key, id, i.window); err != nil {
		return id, fmt.Errorf("booking: idempotency finish: %w", err)
	}
	return id, nil
}

func reservationKey(slotID, userID string) string {
	return fmt.Sprintf("outreach:booking:%s:%s", slotID, userID)
}

// RedisIdempotency keeps keys in redis so the window holds across booking workers.
type RedisIdempotency struct {
	client *redis.Client
}

// NewRedisIdempotency constructs the redis store.
func NewRedisIdempotency(client *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

func (r *RedisIdempotency) Begin(ctx context.Context, key string, window time.Duration) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, key, pendingMarker, window).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	existing, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return r.Begin(ctx, key, window)
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (r *RedisIdempotency) Finish(ctx context.Context, key, reservationID string, window time.Duration) error {
	return r.client.Set(ctx, key, reservationID, window).Err()
}

func (r *RedisIdempotency) Abort(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryIdempotency is a process-local store.
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemoryIdempotency constructs an empty store.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryIdempotency) Begin(_ context.Context, key string, window time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return e.value, false, nil
	}
	m.entries[key] = memoryEntry{value: pendingMarker, expires: now.Add(window)}
	return "", true, nil
}

func (m *MemoryIdempotency) Finish(_ context.Context, key, reservationID string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: reservationID, expires: m.now().Add(window)}
	return nil
}

func (m *MemoryIdempotency) Abort(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
