package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message represents one transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Topics published by the lifecycle engine. Delivery (notifications,
// invoices) happens from the outbox so a publisher failure can never roll
// back the financial transition that enqueued the message.
const (
	TopicMilestoneSubmitted = "milestone.submitted"
	TopicMilestoneRejected  = "milestone.rejected"
	TopicPayoutReleased     = "payout.released"
	TopicDealFunded         = "deal.funded"
	TopicDealRefunded       = "deal.refunded"
	TopicDisputeOpened      = "dispute.opened"
	TopicDisputeResolved    = "dispute.resolved"
	TopicReleaseStalled     = "ops.release_stalled"
)

// Enqueue inserts a message inside the caller's transaction.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// Writer adapts Enqueue to the consumer-side interface services declare.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

func (Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return Enqueue(ctx, tx, topic, payload)
}

// Store claims and settles messages for the delivery worker.
type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, maxAttempts: 10}
}

// ClaimNext locks the oldest pending message and bumps its attempt counter.
func (s *Store) ClaimNext(ctx context.Context) (Message, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, false, fmt.Errorf("outbox: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var msg Message
	err = tx.QueryRow(ctx, `
		SELECT id, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.Attempts, &msg.CreatedAt)
	if err == pgx.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("outbox: claim: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, msg.ID); err != nil {
		return Message{}, false, fmt.Errorf("outbox: bump attempts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, false, fmt.Errorf("outbox: commit claim: %w", err)
	}
	msg.Attempts++
	return msg, true, nil
}

// MarkProcessed settles a delivered message.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed leaves the message pending for another attempt, or parks it as
// dead once attempts are exhausted.
func (s *Store) MarkFailed(ctx context.Context, msg Message) error {
	if msg.Attempts >= s.maxAttempts {
		if _, err := s.pool.Exec(ctx, `UPDATE outbox SET status = 'dead' WHERE id = $1`, msg.ID); err != nil {
			return fmt.Errorf("outbox: mark dead: %w", err)
		}
		return nil
	}
	return nil
}
