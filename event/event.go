package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record mirrors the events table. Rows are append-only and never mutated;
// they are the audit trail every state-changing transaction writes into.
type Record struct {
	ID          int64
	DealID      string
	MilestoneID *string
	Type        string
	ActorID     *string
	Payload     []byte
	CreatedAt   time.Time
}

// Event types written by the lifecycle engine.
const (
	TypeDealCreated        = "deal.created"
	TypeDealAccepted       = "deal.accepted"
	TypeDealFunded         = "deal.funded"
	TypeDealReleased       = "deal.released"
	TypeDealRefunded       = "deal.refunded"
	TypeDeliverableQueued  = "deliverable.submitted"
	TypeMilestoneApproved  = "milestone.approved"
	TypeMilestoneRejected  = "milestone.rejected"
	TypePayoutInitiated    = "payout.initiated"
	TypeReleaseSkipped     = "release.skipped"
	TypeReleaseStalled     = "payout.release_stalled"
	TypeDisputeOpened      = "dispute.opened"
	TypeDisputeEscalated   = "dispute.escalated"
	TypeDisputeUnderReview = "dispute.under_review"
	TypeDisputeWithdrawn   = "dispute.withdrawn"
	TypeDisputeResolved    = "dispute.resolved"
)

// Appender writes audit events inside the caller's transaction so the event
// commits or rolls back with the state change it describes.
type Appender struct{}

func NewAppender() *Appender {
	return &Appender{}
}

// AppendParams identifies the entity and actor an event belongs to.
type AppendParams struct {
	DealID      string
	MilestoneID *string
	Type        string
	ActorID     *string
	Payload     map[string]any
}

// Append inserts one audit row. The payload is schemaless JSON used for
// replay and operator tooling, never for transactional logic.
func (a *Appender) Append(ctx context.Context, tx pgx.Tx, params AppendParams) error {
	if params.DealID == "" {
		return fmt.Errorf("event: missing deal id")
	}
	if params.Type == "" {
		return fmt.Errorf("event: missing type")
	}

	payload := params.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal payload: %w", err)
	}

	var actorID any
	if params.ActorID != nil {
		actorID = *params.ActorID
	}
	var milestoneID any
	if params.MilestoneID != nil {
		milestoneID = *params.MilestoneID
	}

	const insertSQL = `
		INSERT INTO events (deal_id, milestone_id, type, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, insertSQL, params.DealID, milestoneID, params.Type, actorID, payloadBytes); err != nil {
		return fmt.Errorf("event: insert: %w", err)
	}
	return nil
}

// Reader serves audit queries outside of any transaction.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// ListByDeal returns the full ordered history for a deal.
func (r *Reader) ListByDeal(ctx context.Context, dealID string) ([]Record, error) {
	const query = `
		SELECT id, deal_id, milestone_id, type, actor_id, payload, created_at
		FROM events
		WHERE deal_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("event: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 16)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.MilestoneID, &rec.Type, &rec.ActorID, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("event: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event: iterate: %w", err)
	}
	return out, nil
}
