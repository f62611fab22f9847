package listing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/estatebid/go/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingOpener struct {
	opened []models.PropertyID
	fail   models.PropertyID
}

func (o *recordingOpener) OpenRoom(_ context.Context, pid models.PropertyID) error {
	if pid == o.fail {
		return errors.New("boom")
	}
	o.opened = append(o.opened, pid)
	return nil
}

func TestMemoryStoreGet(t *testing.T) {
	s := NewMemoryStore(models.Listing{PropertyID: "p1", BidType: models.BidTypeLive})

	l, err := s.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PropertyID("p1"), l.PropertyID)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPollStartsOpensOnlyLiveListingsInWindow(t *testing.T) {
	s := NewMemoryStore(
		models.Listing{PropertyID: "recent", BidType: models.BidTypeLive, StartTime: base.Add(-time.Minute)},
		models.Listing{PropertyID: "now", BidType: models.BidTypeLive, StartTime: base},
		models.Listing{PropertyID: "old", BidType: models.BidTypeLive, StartTime: base.Add(-time.Hour)},
		models.Listing{PropertyID: "future", BidType: models.BidTypeLive, StartTime: base.Add(time.Minute)},
		models.Listing{PropertyID: "sealed", BidType: models.BidTypeSealed, StartTime: base},
	)
	o := &recordingOpener{}

	require.NoError(t, PollStarts(context.Background(), s, o, base, 2*time.Minute))
	assert.Equal(t, []models.PropertyID{"recent", "now"}, o.opened)
}

func TestPollStartsContinuesPastFailures(t *testing.T) {
	s := NewMemoryStore(
		models.Listing{PropertyID: "a", BidType: models.BidTypeLive, StartTime: base.Add(-time.Minute)},
		models.Listing{PropertyID: "b", BidType: models.BidTypeLive, StartTime: base},
	)
	o := &recordingOpener{fail: "a"}

	require.NoError(t, PollStarts(context.Background(), s, o, base, time.Hour))
	assert.Equal(t, []models.PropertyID{"b"}, o.opened)
}
