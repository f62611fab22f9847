package listing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/estatebid/go/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	property_id    TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	bid_type       TEXT NOT NULL,
	starting_price BIGINT NOT NULL,
	min_increment  BIGINT NOT NULL DEFAULT 0,
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ NOT NULL,
	attributes     JSONB
);
CREATE INDEX IF NOT EXISTS listings_start_time_idx ON listings (start_time) WHERE bid_type = 'live';
`

const listingColumns = `property_id, title, bid_type, starting_price, min_increment, start_time, end_time, attributes`

// PostgresStore reads listings from the catalogue database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the listings table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate listings: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, propertyID models.PropertyID) (models.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE property_id = $1`, string(propertyID))
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Listing{}, ErrNotFound
	}
	if err != nil {
		return models.Listing{}, fmt.Errorf("failed to get listing %s: %w", propertyID, err)
	}
	return l, nil
}

func (s *PostgresStore) StartingBetween(ctx context.Context, from, to time.Time) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE bid_type = 'live' AND start_time BETWEEN $1 AND $2
		 ORDER BY start_time`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query starting listings: %w", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Upsert writes a listing. Used by seeding tools and tests.
func (s *PostgresStore) Upsert(ctx context.Context, l models.Listing) error {
	attrs := pqtype.NullRawMessage{RawMessage: l.Attributes, Valid: len(l.Attributes) > 0}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (property_id) DO UPDATE SET
			title = EXCLUDED.title,
			bid_type = EXCLUDED.bid_type,
			starting_price = EXCLUDED.starting_price,
			min_increment = EXCLUDED.min_increment,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			attributes = EXCLUDED.attributes`,
		string(l.PropertyID), l.Title, string(l.BidType), int64(l.StartingPrice), int64(l.MinIncrement),
		l.StartTime, l.EndTime, attrs)
	if err != nil {
		return fmt.Errorf("failed to upsert listing %s: %w", l.PropertyID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (models.Listing, error) {
	var (
		l             models.Listing
		propertyID    string
		bidType       string
		startingPrice int64
		minIncrement  int64
		attrs         pqtype.NullRawMessage
	)
	if err := row.Scan(&propertyID, &l.Title, &bidType, &startingPrice, &minIncrement,
		&l.StartTime, &l.EndTime, &attrs); err != nil {
		return models.Listing{}, err
	}
	l.PropertyID = models.PropertyID(propertyID)
	l.BidType = models.BidType(bidType)
	l.StartingPrice = models.Money(startingPrice)
	l.MinIncrement = models.Money(minIncrement)
	if attrs.Valid {
		l.Attributes = attrs.RawMessage
	}
	return l, nil
}
