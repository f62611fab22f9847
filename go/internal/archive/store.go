package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/models"
	"github.com/mcdev12/estatebid/go/internal/sqlutil"
)

// ErrNoOpenResult means a settlement arrived for a property with no closed,
// unsettled result yet.
var ErrNoOpenResult = errors.New("no unsettled result for property")

const schema = `
CREATE TABLE IF NOT EXISTS auction_bids (
	event_id    TEXT PRIMARY KEY,
	property_id TEXT NOT NULL,
	room_id     TEXT NOT NULL DEFAULT '',
	sequence    BIGINT NOT NULL,
	bidder_id   TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	placed_at   TIMESTAMPTZ NOT NULL
);
ALTER TABLE auction_bids ADD COLUMN IF NOT EXISTS room_id TEXT NOT NULL DEFAULT '';
DROP INDEX IF EXISTS auction_bids_property_idx;
CREATE INDEX IF NOT EXISTS auction_bids_room_idx ON auction_bids (property_id, room_id DESC, sequence DESC);

CREATE TABLE IF NOT EXISTS auction_results (
	id          BIGSERIAL PRIMARY KEY,
	event_id    TEXT NOT NULL UNIQUE,
	property_id TEXT NOT NULL,
	room_id     TEXT NOT NULL DEFAULT '',
	closed_at   TIMESTAMPTZ NOT NULL,
	final_price BIGINT NOT NULL,
	winner_id   TEXT,
	total_bids  BIGINT NOT NULL,
	settled_at  TIMESTAMPTZ
);
ALTER TABLE auction_results ADD COLUMN IF NOT EXISTS room_id TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS auction_results_property_idx ON auction_results (property_id, closed_at DESC);
`

// Room IDs are time ordered, so sorting on them puts the latest room first and
// sequence orders bids within a room. Wall-clock placed_at is not used: the
// ledger tolerates small clock skew between consecutive bids.
const listBidsQuery = `
		SELECT sequence, bidder_id, amount, placed_at FROM auction_bids
		WHERE property_id = $1
		ORDER BY room_id DESC, sequence DESC
		LIMIT $2`

// settleQuery picks the result row for the settled room. Rows written before
// room IDs existed fall back to the latest close.
const settleQuery = `
		SELECT id, settled_at FROM auction_results
		WHERE property_id = $1 AND (room_id = $2 OR $2 = '')
		ORDER BY closed_at DESC
		LIMIT 1
		FOR UPDATE`

// PostgresStore persists the bid ledger and final results.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the archive tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate archive: %w", err)
	}
	return nil
}

// SaveBid stores an accepted bid. Redelivered events are ignored.
func (s *PostgresStore) SaveBid(ctx context.Context, eventID string, propertyID models.PropertyID, p events.BidAcceptedPayload) error {
	const query = `
		INSERT INTO auction_bids (event_id, property_id, room_id, sequence, bidder_id, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		eventID, string(propertyID), p.RoomID, int64(p.Sequence), string(p.BidderID), int64(p.Amount), p.PlacedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert bid %s #%d: %w", propertyID, p.Sequence, err)
	}
	return nil
}

// SaveClosed records the result of a room that just closed.
func (s *PostgresStore) SaveClosed(ctx context.Context, eventID string, propertyID models.PropertyID, p events.RoomClosedPayload) error {
	const query = `
		INSERT INTO auction_results (event_id, property_id, room_id, closed_at, final_price, winner_id, total_bids)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		eventID, string(propertyID), p.RoomID, p.ClosedAt, int64(p.FinalPrice), string(p.WinnerID), int64(p.TotalBids))
	if err != nil {
		return fmt.Errorf("postgres: insert result %s: %w", propertyID, err)
	}
	return nil
}

// SaveSettled marks the settled room's result as settled.
func (s *PostgresStore) SaveSettled(ctx context.Context, propertyID models.PropertyID, p events.RoomSettledPayload) error {
	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			id        int64
			settledAt *time.Time
		)
		err := tx.QueryRow(ctx, settleQuery, string(propertyID), p.RoomID).Scan(&id, &settledAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: settle %s: %w", propertyID, ErrNoOpenResult)
		}
		if err != nil {
			return fmt.Errorf("postgres: settle %s: %w", propertyID, err)
		}
		if settledAt != nil {
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE auction_results SET settled_at = $2 WHERE id = $1`, id, p.SettledAt); err != nil {
			return fmt.Errorf("postgres: settle %s: %w", propertyID, err)
		}
		return nil
	})
}

// ListBids returns archived bids for a property, newest room first and newest
// bid first within a room.
func (s *PostgresStore) ListBids(ctx context.Context, propertyID models.PropertyID, limit int) ([]models.Bid, error) {
	rows, err := s.pool.Query(ctx, listBidsQuery, string(propertyID), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids %s: %w", propertyID, err)
	}
	defer rows.Close()

	var out []models.Bid
	for rows.Next() {
		var (
			seq    int64
			bidder string
			amount int64
			b      models.Bid
		)
		if err := rows.Scan(&seq, &bidder, &amount, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		b.Sequence = uint64(seq)
		b.PropertyID = propertyID
		b.BidderID = models.UserID(bidder)
		b.Amount = models.Money(amount)
		out = append(out, b)
	}
	return out, rows.Err()
}
