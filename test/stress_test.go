package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dealflow/test/actors"
	"dealflow/test/chaos"
	"dealflow/test/infra"
	"dealflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// TestLifecycleConcurrency hammers one funded deal with concurrent
// submitters, approvers, rejecters, disputers, and an auto-release worker
// pool, while SQL oracles continuously probe the money-safety invariants.
// The auto-release window is shrunk to a fraction of a second so the
// approve-vs-auto-release race actually happens.
func TestLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	window := 300 * time.Millisecond

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Submitter(ctx2, pool, seedData.dealID, seedData.creatorID, window, stop)
		})
		g.Go(func() error {
			return actors.Approver(ctx2, pool, seedData.dealID, seedData.brandID, stop)
		})
	}

	// auto-release worker pool racing the approvers
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.AutoReleaser(ctx2, pool, stop) })
	}
	g.Go(func() error { return actors.Rejecter(ctx2, pool, seedData.dealID, seedData.brandID, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, pool, seedData.dealID, seedData.creatorID, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	brandID   string
	creatorID string
	projectID string
	dealID    string
}

// mustSeed creates one funded deal with several milestones. The actors
// supply all further churn.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	insertUser := `INSERT INTO users (email, display_name, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id`
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("brand%d@example.com", rand.Int63()), "Stress Brand", "brand").Scan(&s.brandID); err != nil {
		t.Fatalf("seed brand: %v", err)
	}
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("creator%d@example.com", rand.Int63()), "Stress Creator", "creator").Scan(&s.creatorID); err != nil {
		t.Fatalf("seed creator: %v", err)
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO projects (id, brand_id, title, currency)
		VALUES (gen_random_uuid(), $1, 'Stress campaign', 'USD') RETURNING id`, s.brandID).Scan(&s.projectID)
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}

	const milestones = 4
	const amountEach = 5000
	err = pool.QueryRow(ctx, `
		INSERT INTO deals (id, project_id, brand_id, creator_id, currency, amount_total, state, escrow_id, accepted_at, funded_at)
		VALUES (gen_random_uuid(), $1, $2, $3, 'USD', $4, 'funded', 'esc_stress', now(), now())
		RETURNING id`, s.projectID, s.brandID, s.creatorID, milestones*amountEach).Scan(&s.dealID)
	if err != nil {
		t.Fatalf("seed deal: %v", err)
	}

	for i := 0; i < milestones; i++ {
		_, err := pool.Exec(ctx, `
			INSERT INTO milestones (id, deal_id, title, amount_minor, state)
			VALUES (gen_random_uuid(), $1, $2, $3, 'pending')`, s.dealID, fmt.Sprintf("Cut %d", i+1), amountEach)
		if err != nil {
			t.Fatalf("seed milestone: %v", err)
		}
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"milestones", `SELECT id, state, revisions, auto_released, submitted_at, released_at FROM milestones ORDER BY updated_at DESC LIMIT 50`},
		{"payouts", `SELECT id, milestone_id, provider_ref, amount_minor, status, created_at FROM payouts ORDER BY created_at DESC LIMIT 50`},
		{"release_jobs", `SELECT key, status, attempts, run_at, last_error FROM release_jobs ORDER BY updated_at DESC LIMIT 50`},
		{"disputes", `SELECT id, deal_id, state, created_at, resolved_at FROM disputes ORDER BY created_at DESC LIMIT 50`},
		{"events", `SELECT id, deal_id, milestone_id, type, created_at FROM events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]string, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", strings.Join(buf, " "))
		}
		rows.Close()
	}
}
