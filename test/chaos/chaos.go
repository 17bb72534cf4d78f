package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one of the database backends the
// lifecycle workers are using, exercising mid-transaction connection loss.
// A non-empty appLike narrows the victims to backends whose application_name
// matches it.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appLike string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			const victimSQL = `
				SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database()
				  AND pid <> pg_backend_pid()
				  AND ($1 = '' OR application_name LIKE $1)
				ORDER BY random() LIMIT 1
			`
			_, _ = pool.Exec(ctx, victimSQL, appLike)
		}
	}
}
