package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, name, description, capacity, reserved, price_per_ticket, created_at`

// EventRepository handles persistence for events and is the inventory
// ledger: the only code that changes events.reserved.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new event and returns it with a generated UUID.
func (r *EventRepository) Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	event := &model.Event{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Description:    req.Description,
		Capacity:       req.Capacity,
		PricePerTicket: req.PricePerTicket,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO events (id, name, description, capacity, reserved, price_per_ticket, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		event.ID, event.Name, event.Description, event.Capacity, event.PricePerTicket, event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// List returns all events ordered by creation time descending.
func (r *EventRepository) List(ctx context.Context) ([]model.Event, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`,
		id,
	))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// Reserve adds quantity to the event's reserved count if, and only if,
// the seats are available.
//
// The capacity check and the increment are one conditional UPDATE, so
// there is no window between reading the counter and writing it back:
//
//	UPDATE events SET reserved = reserved + q
//	WHERE id = X AND capacity - reserved >= q
//
// Postgres takes the row lock before evaluating the WHERE clause against
// the latest committed version, so two concurrent reservations for the
// last seats serialise on the row and the second one matches zero rows.
// A zero-row result is followed by a plain lookup to tell an unknown event
// apart from a full one.
func (r *EventRepository) Reserve(ctx context.Context, eventID string, quantity int) (*model.Event, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("reserve: quantity must be positive, got %d", quantity)
	}

	e, err := scanEvent(conn(ctx, r.db).QueryRow(ctx,
		`UPDATE events
		 SET reserved = reserved + $2
		 WHERE id = $1 AND capacity - reserved >= $2
		 RETURNING `+eventColumns,
		eventID, quantity,
	))
	if err == nil {
		return e, nil
	}
	if isInvalidUUID(err) {
		return nil, ErrNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reserve seats: %w", err)
	}

	if _, err := r.GetByID(ctx, eventID); err != nil {
		return nil, err
	}
	return nil, ErrCapacityExceeded
}

// Release returns quantity seats to the event. The counter never drops
// below zero.
func (r *EventRepository) Release(ctx context.Context, eventID string, quantity int) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE events SET reserved = GREATEST(reserved - $2, 0) WHERE id = $1`,
		eventID, quantity,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return ErrNotFound
		}
		return fmt.Errorf("release seats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.Capacity, &e.Reserved, &e.PricePerTicket, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
