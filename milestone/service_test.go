package milestone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dealflow/authz"
	"dealflow/event"
	"dealflow/payment"
	"dealflow/validation"
)

var (
	brand   = authz.Actor{ID: "brand-1", Role: authz.RoleBrand}
	creator = authz.Actor{ID: "creator-1", Role: authz.RoleCreator}
)

func strptr(s string) *string { return &s }

func fundedFixture() *fakeRepo {
	return &fakeRepo{
		m: Milestone{ID: "m-1", DealID: "deal-1", Title: "rough cut", AmountMinor: 5000, State: StatePending},
		d: DealInfo{ID: "deal-1", BrandID: brand.ID, CreatorID: strptr(creator.ID), State: "funded", EscrowID: strptr("esc_1"), Currency: "USD"},
	}
}

func newTestService(repo *fakeRepo, provider *fakeProvider, checker validation.Checker) (*Service, *fakePool, *fakeSched, *fakeEvents) {
	pool := &fakePool{}
	sched := &fakeSched{}
	events := &fakeEvents{}
	svc := NewService(pool, repo, provider, checker, events, nil, sched, Config{Window: 120 * time.Hour, MaxRevisions: 3})
	svc.WithIDGenerator(func() string { return "id-1" })
	return svc, pool, sched, events
}

func TestSubmitDeliverable_SchedulesExactlyOneJob(t *testing.T) {
	repo := fundedFixture()
	svc, pool, sched, events := newTestService(repo, &fakeProvider{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	res, err := svc.SubmitDeliverable(context.Background(), creator, "m-1", SubmitPayload{URL: "https://cdn.example.com/v1.mp4"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Milestone.State != StateSubmitted {
		t.Errorf("state = %s, want submitted", res.Milestone.State)
	}
	if res.Deliverable.URL != "https://cdn.example.com/v1.mp4" {
		t.Errorf("deliverable url = %q", res.Deliverable.URL)
	}
	if len(sched.scheduled) != 1 {
		t.Fatalf("scheduled jobs = %d, want 1", len(sched.scheduled))
	}
	if want := base.Add(120 * time.Hour); !sched.scheduled[0].runAt.Equal(want) {
		t.Errorf("runAt = %v, want %v", sched.scheduled[0].runAt, want)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(events.types) != 1 || events.types[0] != event.TypeDeliverableQueued {
		t.Errorf("events = %v", events.types)
	}
}

func TestSubmitDeliverable_MissingContentIsHardError(t *testing.T) {
	svc, pool, _, _ := newTestService(fundedFixture(), &fakeProvider{}, nil)

	_, err := svc.SubmitDeliverable(context.Background(), creator, "m-1", SubmitPayload{})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if pool.tx != nil {
		t.Error("expected no transaction for contentless payload")
	}
}

func TestSubmitDeliverable_HardValidationFailureBlocks(t *testing.T) {
	checker := &fakeChecker{result: validation.Result{Errors: []string{validation.CodeContentRemoved}}}
	svc, pool, sched, _ := newTestService(fundedFixture(), &fakeProvider{}, checker)

	_, err := svc.SubmitDeliverable(context.Background(), creator, "m-1", SubmitPayload{URL: "https://x"})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if pool.tx != nil {
		t.Error("expected no transaction on hard validation failure")
	}
	if len(sched.scheduled) != 0 {
		t.Error("expected no job scheduled")
	}
}

func TestSubmitDeliverable_WarningsDoNotBlock(t *testing.T) {
	checker := &fakeChecker{result: validation.Result{
		URLAccessible: true,
		Warnings:      []string{"hashtag_unverified"},
		Errors:        []string{"thumbnail_low_res"},
	}}
	svc, _, _, _ := newTestService(fundedFixture(), &fakeProvider{}, checker)

	res, err := svc.SubmitDeliverable(context.Background(), creator, "m-1", SubmitPayload{URL: "https://x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("warnings = %v, want soft error downgraded alongside warning", res.Warnings)
	}
}

func TestSubmitDeliverable_CheckerOutageDegradesToWarning(t *testing.T) {
	checker := &fakeChecker{err: errors.New("connection refused")}
	svc, _, _, _ := newTestService(fundedFixture(), &fakeProvider{}, checker)

	res, err := svc.SubmitDeliverable(context.Background(), creator, "m-1", SubmitPayload{URL: "https://x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "validation_unavailable" {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestSubmitDeliverable_Preconditions(t *testing.T) {
	ctx := context.Background()
	payload := SubmitPayload{URL: "https://x"}

	repo := fundedFixture()
	repo.m.State = StateSubmitted
	svc, _, _, _ := newTestService(repo, &fakeProvider{}, nil)
	if _, err := svc.SubmitDeliverable(ctx, creator, "m-1", payload); !errors.Is(err, ErrInvalidState) {
		t.Errorf("resubmit without rejection: expected ErrInvalidState, got %v", err)
	}

	repo = fundedFixture()
	repo.d.State = "disputed"
	svc, _, _, _ = newTestService(repo, &fakeProvider{}, nil)
	if _, err := svc.SubmitDeliverable(ctx, creator, "m-1", payload); !errors.Is(err, ErrInvalidState) {
		t.Errorf("disputed deal: expected ErrInvalidState, got %v", err)
	}

	svc, _, _, _ = newTestService(fundedFixture(), &fakeProvider{}, nil)
	if _, err := svc.SubmitDeliverable(ctx, brand, "m-1", payload); !errors.Is(err, ErrForbidden) {
		t.Errorf("brand submitting: expected ErrForbidden, got %v", err)
	}

	repo = fundedFixture()
	repo.m.Revisions = 3
	svc, _, _, _ = newTestService(repo, &fakeProvider{}, nil)
	if _, err := svc.SubmitDeliverable(ctx, creator, "m-1", payload); !errors.Is(err, ErrRevisionLimit) {
		t.Errorf("over revision cap: expected ErrRevisionLimit, got %v", err)
	}
}

func TestApprove_ReleasesAtomically(t *testing.T) {
	repo := fundedFixture()
	repo.m.State = StateSubmitted
	now := time.Now()
	repo.m.SubmittedAt = &now
	provider := &fakeProvider{}
	svc, pool, _, events := newTestService(repo, provider, nil)

	res, err := svc.Approve(context.Background(), brand, "m-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Milestone.State != StateReleased {
		t.Errorf("state = %s, want released", res.Milestone.State)
	}
	if res.Milestone.AutoReleased {
		t.Error("brand approval must not be marked auto_released")
	}
	if res.Payout.Status != PayoutCompleted {
		t.Errorf("payout status = %s", res.Payout.Status)
	}
	if res.Payout.ProviderRef != "po_1" {
		t.Errorf("payout provider ref = %q", res.Payout.ProviderRef)
	}
	if provider.releases != 1 || provider.lastMeta.MilestoneID != "m-1" {
		t.Errorf("provider releases = %d meta = %+v", provider.releases, provider.lastMeta)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	wantEvents := []string{event.TypeMilestoneApproved, event.TypePayoutInitiated, event.TypeDealReleased}
	if len(events.types) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", events.types, wantEvents)
	}
	for i, w := range wantEvents {
		if events.types[i] != w {
			t.Errorf("event[%d] = %s, want %s", i, events.types[i], w)
		}
	}
	if !res.DealReleased || !repo.dealCompleted {
		t.Error("last milestone release must complete the deal")
	}
}

func TestApprove_ProviderFailureRollsBackEverything(t *testing.T) {
	repo := fundedFixture()
	repo.m.State = StateSubmitted
	provider := &fakeProvider{releaseErr: &payment.Error{Op: "release", Retryable: true, Err: errors.New("gateway timeout")}}
	svc, pool, _, _ := newTestService(repo, provider, nil)

	_, err := svc.Approve(context.Background(), brand, "m-1")
	if err == nil {
		t.Fatal("expected provider error")
	}
	if pool.tx != nil {
		t.Error("expected no ledger transaction after provider failure")
	}
	if repo.m.State != StateSubmitted {
		t.Errorf("state = %s, must remain submitted", repo.m.State)
	}
	if repo.payout != nil {
		t.Error("no payout row may exist for an unconfirmed release")
	}
}

func TestApprove_LostRaceSurfacesInvalidState(t *testing.T) {
	repo := fundedFixture()
	repo.m.State = StateSubmitted
	repo.releaseRaceLost = true
	svc, _, _, _ := newTestService(repo, &fakeProvider{}, nil)

	_, err := svc.Approve(context.Background(), brand, "m-1")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if repo.payout != nil {
		t.Error("loser must not create a payout")
	}
}

func TestApprove_Preconditions(t *testing.T) {
	ctx := context.Background()

	repo := fundedFixture()
	svc, _, _, _ := newTestService(repo, &fakeProvider{}, nil)
	if _, err := svc.Approve(ctx, brand, "m-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("approving pending milestone: expected ErrInvalidState, got %v", err)
	}

	repo = fundedFixture()
	repo.m.State = StateSubmitted
	repo.d.State = "disputed"
	svc, _, _, _ = newTestService(repo, &fakeProvider{}, nil)
	if _, err := svc.Approve(ctx, brand, "m-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("approving on disputed deal: expected ErrInvalidState, got %v", err)
	}

	repo = fundedFixture()
	repo.m.State = StateSubmitted
	svc, _, _, _ = newTestService(repo, &fakeProvider{}, nil)
	if _, err := svc.Approve(ctx, creator, "m-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("creator approving: expected ErrForbidden, got %v", err)
	}
}

func TestReject_ReturnsToPendingAndCancelsJob(t *testing.T) {
	repo := fundedFixture()
	repo.m.State = StateSubmitted
	svc, pool, sched, events := newTestService(repo, &fakeProvider{}, nil)

	rejected, err := svc.Reject(context.Background(), brand, "m-1", "needs revisions")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State != StatePending {
		t.Errorf("state = %s, want pending", rejected.State)
	}
	if rejected.Revisions != 1 {
		t.Errorf("revisions = %d, want 1", rejected.Revisions)
	}
	if len(sched.canceled) != 1 || sched.canceled[0] != "m-1" {
		t.Errorf("canceled = %v", sched.canceled)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(events.types) != 1 || events.types[0] != event.TypeMilestoneRejected {
		t.Errorf("events = %v", events.types)
	}
}

func TestReject_InvalidState(t *testing.T) {
	svc, _, _, _ := newTestService(fundedFixture(), &fakeProvider{}, nil)
	if _, err := svc.Reject(context.Background(), brand, "m-1", "x"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// --- fakes ---

type fakeRepo struct {
	m               Milestone
	d               DealInfo
	deliverables    []Deliverable
	payout          *Payout
	unreleasedAfter int
	releaseRaceLost bool
	dealCompleted   bool
}

func (f *fakeRepo) GetWithDeal(context.Context, string) (Milestone, DealInfo, error) {
	if f.m.ID == "" {
		return Milestone{}, DealInfo{}, ErrNotFound
	}
	return f.m, f.d, nil
}

func (f *fakeRepo) LockTx(context.Context, pgx.Tx, string) (Milestone, DealInfo, error) {
	return f.GetWithDeal(nil, "")
}

func (f *fakeRepo) InsertDeliverableTx(_ context.Context, _ pgx.Tx, d Deliverable) (Deliverable, error) {
	d.SubmittedAt = time.Now()
	f.deliverables = append(f.deliverables, d)
	return d, nil
}

func (f *fakeRepo) MarkSubmittedTx(_ context.Context, _ pgx.Tx, _ string, at time.Time) (Milestone, error) {
	if f.m.State != StatePending {
		return Milestone{}, ErrInvalidState
	}
	f.m.State = StateSubmitted
	f.m.SubmittedAt = &at
	return f.m, nil
}

func (f *fakeRepo) MarkRejectedTx(context.Context, pgx.Tx, string) (Milestone, error) {
	if f.m.State != StateSubmitted {
		return Milestone{}, ErrInvalidState
	}
	f.m.State = StatePending
	f.m.Revisions++
	return f.m, nil
}

func (f *fakeRepo) MarkReleasedTx(_ context.Context, _ pgx.Tx, _ string, at time.Time, auto bool) (Milestone, error) {
	if f.releaseRaceLost || f.m.State != StateSubmitted || f.d.State != "funded" {
		return Milestone{}, ErrInvalidState
	}
	f.m.State = StateReleased
	f.m.ApprovedAt = &at
	f.m.ReleasedAt = &at
	f.m.AutoReleased = auto
	return f.m, nil
}

func (f *fakeRepo) InsertPayoutTx(_ context.Context, _ pgx.Tx, p Payout) (Payout, error) {
	if f.payout != nil {
		return Payout{}, ErrInvalidState
	}
	p.CreatedAt = time.Now()
	f.payout = &p
	return p, nil
}

func (f *fakeRepo) CountUnreleasedTx(context.Context, pgx.Tx, string) (int, error) {
	return f.unreleasedAfter, nil
}

func (f *fakeRepo) MarkDealReleasedTx(context.Context, pgx.Tx, string, time.Time) error {
	f.dealCompleted = true
	return nil
}

func (f *fakeRepo) CountDeliverables(context.Context, string) (int, error) {
	return len(f.deliverables), nil
}

func (f *fakeRepo) LatestDeliverable(context.Context, string) (Deliverable, error) {
	if len(f.deliverables) == 0 {
		return Deliverable{}, ErrNotFound
	}
	return f.deliverables[len(f.deliverables)-1], nil
}

type fakeProvider struct {
	releaseErr error
	releases   int
	lastMeta   payment.ReleaseMetadata
}

func (f *fakeProvider) CreateEscrow(context.Context, string, string) (string, error) {
	return "esc_1", nil
}

func (f *fakeProvider) FundEscrow(context.Context, string, int64, string) (string, error) {
	return "pay_1", nil
}

func (f *fakeProvider) ReleaseToCreator(_ context.Context, _ string, _ int64, _ string, meta payment.ReleaseMetadata) (string, error) {
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	f.releases++
	f.lastMeta = meta
	return "po_1", nil
}

func (f *fakeProvider) RefundToBrand(context.Context, string, int64) (string, error) {
	return "re_1", nil
}

func (f *fakeProvider) GetStatus(context.Context, string) (payment.EscrowStatus, error) {
	return payment.StatusFunded, nil
}

type fakeChecker struct {
	result validation.Result
	err    error
}

func (f *fakeChecker) Check(context.Context, validation.Deliverable) (validation.Result, error) {
	if f.err != nil {
		return validation.Result{}, f.err
	}
	return f.result, nil
}

type scheduledJob struct {
	milestoneID string
	dealID      string
	runAt       time.Time
}

type fakeSched struct {
	scheduled []scheduledJob
	canceled  []string
}

func (f *fakeSched) ScheduleTx(_ context.Context, _ pgx.Tx, milestoneID, dealID string, runAt time.Time) error {
	f.scheduled = append(f.scheduled, scheduledJob{milestoneID, dealID, runAt})
	return nil
}

func (f *fakeSched) CancelTx(_ context.Context, _ pgx.Tx, milestoneID string) error {
	f.canceled = append(f.canceled, milestoneID)
	return nil
}

type fakeEvents struct {
	types    []string
	payloads []map[string]any
}

func (f *fakeEvents) Append(_ context.Context, _ pgx.Tx, params event.AppendParams) error {
	f.types = append(f.types, params.Type)
	f.payloads = append(f.payloads, params.Payload)
	return nil
}

func (f *fakeEvents) payloadFor(eventType string) map[string]any {
	for i, typ := range f.types {
		if typ == eventType {
			return f.payloads[i]
		}
	}
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
