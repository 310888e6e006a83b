package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// advisoryLockID is the deterministic pg_try_advisory_lock key that
// coordinates partition maintenance across server instances, computed the
// same way the pack's dblock helper derives a stable lock id from a name.
var advisoryLockID = int64(fnvHash("vibekanban-remote:activity-partition-maintenance"))

func fnvHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// Maintainer runs the two scheduled partition-lifecycle jobs: daily
// provisioning of today/+24h/+48h partitions, and daily pruning of
// partitions whose upper bound is more than two days in the past. It
// coordinates across instances with a Postgres advisory lock so only one
// process performs the DDL at a time, following the acquire-or-skip shape
// of the pack's advisory lock manager rather than a blocking acquire.
type Maintainer struct {
	db     *sql.DB
	logger *slog.Logger
	cron   *cronlib.Cron

	retention time.Duration
	horizon   time.Duration
}

// NewMaintainer builds a Maintainer. Retention defaults to 2 days and
// horizon (how far ahead to provision) to 48h, matching spec.md §4.1.
func NewMaintainer(db *sql.DB, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		db:        db,
		logger:    logger,
		cron:      cronlib.New(cronlib.WithLocation(time.UTC)),
		retention: 48 * time.Hour,
		horizon:   48 * time.Hour,
	}
}

// Start schedules the provisioning job at 00:10 UTC and the pruning job at
// 01:30 UTC, and runs both once immediately (covering process startup, per
// spec.md §4.1: "daily at 00:10 UTC and at startup").
func (m *Maintainer) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc("10 0 * * *", func() { m.provisionOnce(ctx) }); err != nil {
		return fmt.Errorf("activitystore: schedule provisioning job: %w", err)
	}
	if _, err := m.cron.AddFunc("30 1 * * *", func() { m.pruneOnce(ctx) }); err != nil {
		return fmt.Errorf("activitystore: schedule pruning job: %w", err)
	}
	m.cron.Start()

	m.provisionOnce(ctx)
	m.pruneOnce(ctx)
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight job.
func (m *Maintainer) Stop() {
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
}

// EnsureWindow is the synchronous, retry-path entry point: a Store insert
// that hit ErrNoPartitionForRow calls this once before retrying. It
// provisions under the same advisory lock as the scheduled job; if another
// instance currently holds that lock, it skips provisioning and returns nil
// without waiting for that instance's run to finish.
func (m *Maintainer) EnsureWindow(ctx context.Context) error {
	return m.withLock(ctx, func(conn *sql.Conn) error {
		return m.provisionPartitions(ctx, conn)
	})
}

func (m *Maintainer) provisionOnce(ctx context.Context) {
	err := m.withLock(ctx, func(conn *sql.Conn) error {
		return m.provisionPartitions(ctx, conn)
	})
	if err != nil {
		m.logger.Error("activity partition provisioning failed", "error", err)
	}
}

func (m *Maintainer) pruneOnce(ctx context.Context) {
	err := m.withLock(ctx, func(conn *sql.Conn) error {
		return m.prunePartitions(ctx, conn)
	})
	if err != nil {
		m.logger.Error("activity partition pruning failed", "error", err)
	}
}

// withLock acquires the advisory lock on a dedicated connection and always
// releases it (on the same connection — pg advisory locks are
// session-scoped) before returning, regardless of how fn exits.
func (m *Maintainer) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		m.logger.Debug("activity partition maintenance lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil {
			m.logger.Error("failed to release partition maintenance lock", "error", err)
		}
	}()

	return fn(conn)
}

// provisionPartitions ensures today, +24h and +48h daily partitions exist.
// Each CREATE TABLE IF NOT EXISTS is its own idempotent helper call, same
// as spec.md's "a helper function creates the partition only if absent".
func (m *Maintainer) provisionPartitions(ctx context.Context, conn *sql.Conn) error {
	now := time.Now().UTC()
	for _, offset := range []time.Duration{0, 24 * time.Hour, 48 * time.Hour} {
		day := now.Add(offset)
		if err := ensurePartition(ctx, conn, day); err != nil {
			return fmt.Errorf("ensure partition for %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

func ensurePartition(ctx context.Context, conn *sql.Conn, day time.Time) error {
	lower := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	upper := lower.Add(24 * time.Hour)
	name := partitionName(lower)

	_, err := conn.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF activity FOR VALUES FROM ($1) TO ($2)`, name),
		lower, upper,
	)
	return err
}

// prunePartitions detaches and drops every partition whose upper bound is
// older than now - retention.
func (m *Maintainer) prunePartitions(ctx context.Context, conn *sql.Conn) error {
	cutoff := time.Now().UTC().Add(-m.retention)

	rows, err := conn.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'activity'`)
	if err != nil {
		return fmt.Errorf("list activity partitions: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		names = append(names, n)
	}
	rows.Close()

	for _, name := range names {
		upper, ok := partitionUpperBound(name)
		if !ok || !upper.Before(cutoff) {
			continue
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE activity DETACH PARTITION %s`, name)); err != nil {
			return fmt.Errorf("detach partition %s: %w", name, err)
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("drop partition %s: %w", name, err)
		}
		m.logger.Info("pruned activity partition", "partition", name)
	}
	return nil
}

func partitionName(day time.Time) string {
	return fmt.Sprintf("activity_%04d%02d%02d", day.Year(), day.Month(), day.Day())
}

func partitionUpperBound(name string) (time.Time, bool) {
	const prefix = "activity_"
	if len(name) != len(prefix)+8 || name[:len(prefix)] != prefix {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102", name[len(prefix):], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t.Add(24 * time.Hour), true
}
