// Package ledger is the durable Postgres adapter: the append-only bid ledger
// plus the item records onto which auction outcomes are mirrored. The
// purchase gate reads only this store, never the ephemeral one.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/openbid/auction-coordinator/internal/models"
)

// ErrOutcomeConflict means an auction outcome could not be recorded because
// the item is already ended with a different outcome (or the item row does
// not exist). Retrying the same write cannot help.
var ErrOutcomeConflict = errors.New("outcome conflicts with durable item record")

// Client wraps the PostgreSQL connection.
type Client struct {
	db *sql.DB
}

// New opens and verifies a PostgreSQL connection.
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Client{db: db}, nil
}

// InitSchema creates the ledger tables.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id VARCHAR(255) PRIMARY KEY,
		seller_id VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		start_price DECIMAL(12, 2) NOT NULL,
		auction_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		current_bid DECIMAL(12, 2) DEFAULT 0,
		winner_id VARCHAR(255),
		final_amount DECIMAL(12, 2),
		status VARCHAR(50) NOT NULL DEFAULT 'open',
		auction_started_at TIMESTAMPTZ,
		auction_ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS bids (
		id VARCHAR(255) PRIMARY KEY,
		item_id VARCHAR(255) NOT NULL,
		bidder_id VARCHAR(255) NOT NULL,
		amount DECIMAL(12, 2) NOT NULL,
		submitted_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_bids_item_id ON bids(item_id);
	CREATE INDEX IF NOT EXISTS idx_bids_submitted_at ON bids(submitted_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertBid appends a bid to the ledger. The insert is idempotent on bid id,
// so at-least-once delivery from the event stream is safe.
func (c *Client) InsertBid(ctx context.Context, bid *models.Bid) error {
	query := `
		INSERT INTO bids (id, item_id, bidder_id, amount, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, query,
		bid.ID, bid.ItemID, bid.BidderID, bid.Amount, bid.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// UpdateCurrentBid materializes the latest leading bid onto the item record.
// Refuses to touch an already-ended item so late archival events cannot
// disturb a frozen outcome.
func (c *Client) UpdateCurrentBid(ctx context.Context, itemID string, amount float64, startedAt time.Time) error {
	query := `
		UPDATE items
		SET current_bid = GREATEST(current_bid, $1),
		    auction_started_at = COALESCE(auction_started_at, $2),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status <> $4
	`
	if _, err := c.db.ExecContext(ctx, query, amount, startedAt, itemID, models.ItemStatusEnded); err != nil {
		return fmt.Errorf("failed to update current bid: %w", err)
	}
	return nil
}

// MirrorOutcome writes the terminal auction result onto the item record.
// Idempotent: re-applying the same final values matches and rewrites the
// row. An item already ended with different values matches nothing, which
// surfaces as ErrOutcomeConflict rather than a silent drop.
func (c *Client) MirrorOutcome(ctx context.Context, itemID, winnerID string, finalAmount float64, endedAt time.Time) error {
	query := `
		UPDATE items
		SET status = $1,
		    winner_id = $2,
		    final_amount = $3,
		    current_bid = $3,
		    auction_ended_at = $4,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $5
		  AND (status <> $1 OR (COALESCE(winner_id, '') = $2 AND final_amount = $3))
	`
	result, err := c.db.ExecContext(ctx, query,
		models.ItemStatusEnded, winnerID, finalAmount, endedAt, itemID)
	if err != nil {
		return fmt.Errorf("failed to mirror auction outcome: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("outcome for item %s: %w", itemID, ErrOutcomeConflict)
	}
	return nil
}

// CreateItem registers an item in the catalog.
func (c *Client) CreateItem(ctx context.Context, item *models.Item) error {
	query := `
		INSERT INTO items (id, seller_id, name, description, start_price, auction_enabled, current_bid)
		VALUES ($1, $2, $3, $4, $5, $6, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, query,
		item.ID, item.SellerID, item.Name, item.Description, item.StartPrice, item.AuctionEnabled)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// GetItem fetches one item, or nil when it does not exist.
func (c *Client) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	query := `
		SELECT id, seller_id, name, COALESCE(description, ''), start_price,
		       auction_enabled, COALESCE(current_bid, 0), COALESCE(winner_id, ''),
		       COALESCE(final_amount, 0), status, auction_started_at,
		       auction_ended_at, created_at, updated_at
		FROM items
		WHERE id = $1
	`
	item := &models.Item{}
	var startedAt, endedAt sql.NullTime
	err := c.db.QueryRowContext(ctx, query, itemID).Scan(
		&item.ID, &item.SellerID, &item.Name, &item.Description, &item.StartPrice,
		&item.AuctionEnabled, &item.CurrentBid, &item.WinnerID,
		&item.FinalAmount, &item.Status, &startedAt,
		&endedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		item.AuctionStartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		item.AuctionEndedAt = &t
	}
	return item, nil
}

// GetBidHistory returns the bid ledger for an item, highest amount first and
// earliest submission first among equal amounts.
func (c *Client) GetBidHistory(ctx context.Context, itemID string, limit int) ([]*models.Bid, error) {
	query := `
		SELECT id, item_id, bidder_id, amount, submitted_at
		FROM bids
		WHERE item_id = $1
		ORDER BY amount DESC, submitted_at ASC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, query, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []*models.Bid
	for rows.Next() {
		bid := &models.Bid{}
		if err := rows.Scan(&bid.ID, &bid.ItemID, &bid.BidderID, &bid.Amount, &bid.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}
