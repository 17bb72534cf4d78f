package payment

import (
	"context"
	"errors"
	"fmt"
)

// EscrowStatus is the provider-side view of an escrow's funds.
type EscrowStatus string

const (
	StatusUnfunded EscrowStatus = "unfunded"
	StatusFunded   EscrowStatus = "funded"
	StatusReleased EscrowStatus = "released"
	StatusRefunded EscrowStatus = "refunded"
)

// ReleaseMetadata ties a provider-side payout back to ledger rows.
type ReleaseMetadata struct {
	DealID      string
	MilestoneID string
}

// Provider is the narrow escrow capability the core depends on. Every call
// takes a caller-generated idempotency key (deal id for funding, milestone
// id for release) so a retried call reproduces the first result instead of
// a duplicate financial effect. Concrete rails (card, ledger-based) sit
// behind this interface; the core never sees their error types.
type Provider interface {
	CreateEscrow(ctx context.Context, dealID, currency string) (escrowID string, err error)
	FundEscrow(ctx context.Context, escrowID string, amountMinor int64, payerID string) (paymentRef string, err error)
	ReleaseToCreator(ctx context.Context, escrowID string, amountMinor int64, creatorID string, meta ReleaseMetadata) (payoutRef string, err error)
	RefundToBrand(ctx context.Context, escrowID string, amountMinor int64) (refundRef string, err error)
	GetStatus(ctx context.Context, escrowID string) (EscrowStatus, error)
}

// Error is the single error type provider adapters surface to the core.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider failure worth retrying
// (timeouts, 5xx). Validation rejections and missing escrows are not.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
