package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend serving this database.
// When appName is set only connections with that application_name are eligible.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, rng *rand.Rand, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid)
                                   FROM pg_stat_activity
                                   WHERE datname = current_database()
                                     AND pid <> pg_backend_pid()
                                     AND ($1 = '' OR application_name = $1)
                                   ORDER BY random() LIMIT 1`, appName)
		}
	}
}

// Clock is a wall clock that can be pushed forward, letting deadlines pass
// during a run measured in seconds.
type Clock struct {
	offset atomic.Int64
}

func (c *Clock) Now() time.Time {
	return time.Now().UTC().Add(time.Duration(c.offset.Load()))
}

// Advance moves the clock forward by d. It never moves backwards.
func (c *Clock) Advance(d time.Duration) {
	if d > 0 {
		c.offset.Add(int64(d))
	}
}

// Warp advances clock by up to maxStep every interval until stopped.
func Warp(ctx context.Context, clock *Clock, interval, maxStep time.Duration, rng *rand.Rand, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			clock.Advance(time.Duration(rng.Int63n(int64(maxStep) + 1)))
		}
	}
}
