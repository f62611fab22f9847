package listing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mcdev12/estatebid/go/internal/models"
)

// ErrNotFound is returned when no listing exists for a property.
var ErrNotFound = errors.New("listing not found")

// Store is the read side of the listing catalogue the engine depends on.
type Store interface {
	Get(ctx context.Context, propertyID models.PropertyID) (models.Listing, error)
	// StartingBetween returns live listings whose start time is in [from, to].
	StartingBetween(ctx context.Context, from, to time.Time) ([]models.Listing, error)
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[models.PropertyID]models.Listing
}

// NewMemoryStore creates a store seeded with listings.
func NewMemoryStore(listings ...models.Listing) *MemoryStore {
	s := &MemoryStore{listings: make(map[models.PropertyID]models.Listing)}
	for _, l := range listings {
		s.listings[l.PropertyID] = l
	}
	return s
}

// Put inserts or replaces a listing.
func (s *MemoryStore) Put(l models.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.PropertyID] = l
}

func (s *MemoryStore) Get(_ context.Context, propertyID models.PropertyID) (models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[propertyID]
	if !ok {
		return models.Listing{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) StartingBetween(_ context.Context, from, to time.Time) ([]models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Listing
	for _, l := range s.listings {
		if l.BidType != models.BidTypeLive || l.StartTime.Before(from) || l.StartTime.After(to) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}
