package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// AuctionHistoryStore implements domain.AuctionHistoryStore.
type AuctionHistoryStore struct {
	pool *pgxpool.Pool
}

// NewAuctionHistoryStore creates an AuctionHistoryStore.
func NewAuctionHistoryStore(pool *pgxpool.Pool) *AuctionHistoryStore {
	return &AuctionHistoryStore{pool: pool}
}

// Insert stores an auction event; duplicates report domain.ErrAlreadyExists.
func (s *AuctionHistoryStore) Insert(ctx context.Context, ev domain.AuctionEvent) error {
	var (
		payload []byte
		err     error
	)
	switch {
	case ev.Create != nil:
		payload, err = json.Marshal(ev.Create)
	case ev.Bid != nil:
		payload, err = json.Marshal(ev.Bid)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert auction event %s: %w", ev.ID, err)
	}

	const query = `
		INSERT INTO auction_history (
			id, auction_hash, kind, status, block_number, log_index, event_date, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, query,
		ev.ID, ev.AuctionHash.Hex(), string(ev.Kind), string(ev.Status),
		ev.Position.BlockNumber, ev.Position.LogIndex, ev.Date, payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert auction event %s: %w", ev.ID, err)
	}
	return nil
}

// UpdateStatus advances the delivery status of an auction event, with the
// same monotonic guard as exchange history: backwards transitions match zero
// rows and are dropped.
func (s *AuctionHistoryStore) UpdateStatus(ctx context.Context, id string, status domain.EventStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auction_history SET status = $1
		 WHERE id = $2
		   AND (status = 'PENDING' OR (status = 'CONFIRMED' AND $1 = 'REVERTED'))`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update auction event status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM auction_history WHERE id = $1)`, id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check auction event %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

func scanAuctionEvents(rows pgx.Rows) ([]domain.AuctionEvent, error) {
	defer rows.Close()
	var events []domain.AuctionEvent
	for rows.Next() {
		var (
			ev           domain.AuctionEvent
			hash         string
			kind, status string
			payload      []byte
		)
		if err := rows.Scan(
			&ev.ID, &hash, &kind, &status,
			&ev.Position.BlockNumber, &ev.Position.LogIndex, &ev.Date, &payload,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan auction event: %w", err)
		}
		ev.AuctionHash = common.HexToHash(hash)
		ev.Kind = domain.AuctionEventKind(kind)
		ev.Status = domain.EventStatus(status)
		if len(payload) > 0 {
			switch ev.Kind {
			case domain.AuctionEventCreated:
				ev.Create = &domain.AuctionCreate{}
				if err := json.Unmarshal(payload, ev.Create); err != nil {
					return nil, fmt.Errorf("postgres: decode auction create %s: %w", ev.ID, err)
				}
			case domain.AuctionEventBid:
				ev.Bid = &domain.Bid{}
				if err := json.Unmarshal(payload, ev.Bid); err != nil {
					return nil, fmt.Errorf("postgres: decode auction bid %s: %w", ev.ID, err)
				}
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

const auctionEventCols = `id, auction_hash, kind, status, block_number, log_index, event_date, payload`

// ListByHash returns every event of an auction in chain order.
func (s *AuctionHistoryStore) ListByHash(ctx context.Context, hash common.Hash) ([]domain.AuctionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionEventCols+` FROM auction_history
		 WHERE auction_hash = $1
		 ORDER BY block_number, log_index, id`, hash.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list auction events %s: %w", hash.Hex(), err)
	}
	events, err := scanAuctionEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan auction events: %w", err)
	}
	return events, nil
}

// ListActivities serves the activity feed: confirmed events, filtered and
// paged by (date, id) continuation. The SQL narrows by cursor and kind; final
// ordering and page shaping are shared with the in-memory path through
// domain.FilterActivities.
func (s *AuctionHistoryStore) ListActivities(ctx context.Context, filter domain.ActivityFilter) (domain.ActivityPage, error) {
	cont, err := domain.ParseContinuation(filter.Continuation)
	if err != nil {
		return domain.ActivityPage{}, err
	}

	size := filter.Size
	if size <= 0 {
		size = 50
	}

	query := `SELECT ` + auctionEventCols + ` FROM auction_history WHERE status = $1`
	args := []any{string(domain.EventStatusConfirmed)}

	if len(filter.Types) > 0 {
		kinds := make([]string, len(filter.Types))
		for i, k := range filter.Types {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		query += fmt.Sprintf(` AND kind = ANY($%d)`, len(args))
	}

	latest := filter.Sort != domain.SortEarliestFirst
	if filter.Continuation != "" {
		args = append(args, cont.Date, cont.ID)
		if latest {
			query += fmt.Sprintf(` AND (event_date, id) < ($%d, $%d)`, len(args)-1, len(args))
		} else {
			query += fmt.Sprintf(` AND (event_date, id) > ($%d, $%d)`, len(args)-1, len(args))
		}
	}
	if latest {
		query += ` ORDER BY event_date DESC, id DESC`
	} else {
		query += ` ORDER BY event_date, id`
	}
	args = append(args, size+1)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.ActivityPage{}, fmt.Errorf("postgres: list activities: %w", err)
	}
	events, err := scanAuctionEvents(rows)
	if err != nil {
		return domain.ActivityPage{}, fmt.Errorf("postgres: scan activities: %w", err)
	}

	page := domain.ActivityPage{Events: events}
	if len(events) > size {
		page.Events = events[:size]
		last := page.Events[len(page.Events)-1]
		page.Continuation = domain.Continuation{Date: last.Date, ID: last.ID}.String()
	}
	return page, nil
}
