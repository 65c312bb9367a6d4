package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/itiky/parcel-sync/model"
)

// DefaultMaxKeyAttempts limits the free key search of Creator.
const DefaultMaxKeyAttempts = 10000

// ErrKeyExhaustion is returned by Creator.Create when no free key was found within the attempts limit.
var ErrKeyExhaustion = errors.New("key exhaustion")

type (
	// KeyPolicy proposes key candidates for new records.
	// Candidates are hints only: Creator verifies them against the remote store.
	KeyPolicy[K model.Key] interface {
		First(ctx context.Context) (K, error)
		Next(prev K) K
	}

	// IntKeyPolicy proposes the highest known integer key + 1.
	IntKeyPolicy[V model.Record[int]] struct {
		Remote model.RemoteStore[int, V]
	}

	// TrackingCodePolicy proposes random shipment tracking codes (SHP-YYYYMMDD-XXXXXX).
	TrackingCodePolicy struct {
		sync.Mutex
		now func() time.Time
		rnd *rand.Rand
	}

	// Creator writes new records assigning a free key.
	Creator[K model.Key, V model.Record[K]] struct {
		Entity      model.Entity[K, V]
		Remote      model.RemoteStore[K, V]
		Keys        KeyPolicy[K]
		MaxAttempts int
		Now         func() time.Time
	}
)

// First implements KeyPolicy interface.
func (p IntKeyPolicy[V]) First(ctx context.Context) (int, error) {
	values, err := p.Remote.BulkFetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("remote.BulkFetch: %w", err)
	}

	highest := 0
	for key, value := range values {
		if key > highest {
			highest = key
		}
		if valueKey := value.GetKey(); valueKey > highest {
			highest = valueKey
		}
	}

	return highest + 1, nil
}

// Next implements KeyPolicy interface.
func (p IntKeyPolicy[V]) Next(prev int) int {
	return prev + 1
}

const trackingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// First implements KeyPolicy interface.
func (p *TrackingCodePolicy) First(ctx context.Context) (string, error) {
	return p.newCode(), nil
}

// Next implements KeyPolicy interface.
func (p *TrackingCodePolicy) Next(prev string) string {
	return p.newCode()
}

func (p *TrackingCodePolicy) newCode() string {
	p.Lock()
	defer p.Unlock()

	suffix := strings.Builder{}
	for i := 0; i < 6; i++ {
		suffix.WriteByte(trackingCodeAlphabet[p.rnd.Intn(len(trackingCodeAlphabet))])
	}

	return fmt.Sprintf("SHP-%s-%s", p.now().UTC().Format("20060102"), suffix.String())
}

// NewTrackingCodePolicy creates a new TrackingCodePolicy object.
func NewTrackingCodePolicy(now func() time.Time, seed int64) *TrackingCodePolicy {
	if now == nil {
		now = time.Now
	}

	return &TrackingCodePolicy{
		now: now,
		rnd: rand.New(rand.NewSource(seed)),
	}
}

// Create normalizes the record and writes it under a free key.
// A pre-assigned key is used as the first candidate.
// Every candidate is checked right before the commit and the commit itself is conditional,
// so two clients racing for the same candidate end up with two distinct keys.
func (c Creator[K, V]) Create(ctx context.Context, value V) (V, error) {
	var zero V

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxKeyAttempts
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}

	candidate := value.GetKey()
	if model.IsZeroKey(candidate) {
		first, err := c.Keys.First(ctx)
		if err != nil {
			return zero, fmt.Errorf("key candidate: %w", err)
		}
		candidate = first
	}

	value = c.Entity.Normalize(value, now())
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, found, err := c.Remote.FetchOne(ctx, candidate)
		if err != nil {
			return zero, fmt.Errorf("remote.FetchOne(%v): %w", candidate, err)
		}
		if found {
			candidate = c.Keys.Next(candidate)
			continue
		}

		record := c.Entity.WithKey(value, candidate)
		err = c.Remote.Create(ctx, candidate, record)
		if errors.Is(err, model.ErrKeyExists) {
			candidate = c.Keys.Next(candidate)
			continue
		}
		if err != nil {
			return zero, fmt.Errorf("remote.Create(%v): %w", candidate, err)
		}

		return record, nil
	}

	return zero, fmt.Errorf("%w: %d attempts (last candidate %v)", ErrKeyExhaustion, maxAttempts, candidate)
}
