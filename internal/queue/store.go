package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskx/internal/domain"
	"taskx/internal/metrics"
)

var (
	ErrEmpty    = errors.New("no tasks ready")
	ErrNotFound = errors.New("invocation not found")
	// ErrNotClaimable is returned by Pushback for a row that is done or has
	// no retries left.
	ErrNotClaimable = errors.New("invocation is not claimable")
)

// Repository is the schedule store. Every mutation runs in one transaction.
type Repository interface {
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, taskName string, payload domain.Payload, scheduledAt time.Time) (int64, error)
	ClaimNext(ctx context.Context, now time.Time) (*domain.Invocation, error)
	Complete(ctx context.Context, inv *domain.Invocation, result any) error
	Pushback(ctx context.Context, inv *domain.Invocation, failMessage string) error
	Record(ctx context.Context, name string, startedAt, finishedAt time.Time, output any, failMessage string) (int64, error)
	ReleaseClaims(ctx context.Context) (int, error)
	Get(ctx context.Context, id int64) (domain.Invocation, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Invocation, error)
	RetryLimit() int
	Close() error
}

type SQLStore struct {
	db         *sql.DB
	d          Dialect
	retryLimit int
	now        func() time.Time
}

func New(db *sql.DB, d Dialect, retryLimit int) *SQLStore {
	if retryLimit <= 0 {
		retryLimit = 3
	}
	return &SQLStore{db: db, d: d, retryLimit: retryLimit, now: time.Now}
}

// DB returns the underlying database connection
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.d }

func (s *SQLStore) RetryLimit() int { return s.retryLimit }

func (s *SQLStore) Close() error { return s.db.Close() }

// EnsureSchema creates the schedule table if it doesn't exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	defer metrics.ObserveDB("ensure_schema", time.Now())
	for _, stmt := range s.d.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append inserts a pending invocation. A zero scheduledAt means now.
func (s *SQLStore) Append(ctx context.Context, taskName string, payload domain.Payload, scheduledAt time.Time) (int64, error) {
	defer metrics.ObserveDB("append", time.Now())
	if payload == nil {
		payload = domain.Payload{}
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	if scheduledAt.IsZero() {
		scheduledAt = s.now()
	}
	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		id, err = s.insert(ctx, tx, `
INSERT INTO schedule (task_name, scheduled_at, payload, claimed, done, retry_count, exhausted)
VALUES (?, ?, ?, FALSE, FALSE, 0, FALSE)`, taskName, stamp(scheduledAt), string(doc))
		return err
	})
	return id, err
}

const selectInvocation = `
SELECT id, task_name, scheduled_at, completed_at, payload, output, claimed, done, retry_count, exhausted, fail_message
FROM schedule`

// ClaimNext claims the most recently scheduled eligible invocation that is
// due at now. It returns ErrEmpty when there is none.
func (s *SQLStore) ClaimNext(ctx context.Context, now time.Time) (*domain.Invocation, error) {
	defer metrics.ObserveDB("claim_next", time.Now())
	var inv domain.Invocation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.d.Rebind(selectInvocation+`
WHERE done = FALSE AND exhausted = FALSE AND claimed = FALSE AND retry_count < ? AND scheduled_at <= ?
ORDER BY scheduled_at DESC, id DESC
LIMIT 1`+s.d.lockClause()), s.retryLimit, stamp(now))
		var err error
		inv, err = scanInvocation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEmpty
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.d.Rebind(`
UPDATE schedule SET claimed = TRUE WHERE id = ? AND claimed = FALSE AND done = FALSE`), inv.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrEmpty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	inv.Claimed = true
	return &inv, nil
}

// Complete stores result and marks the invocation done.
func (s *SQLStore) Complete(ctx context.Context, inv *domain.Invocation, result any) error {
	defer metrics.ObserveDB("complete", time.Now())
	out, err := encodeDoc(result)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	completedAt := stamp(s.now())
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.Rebind(`
UPDATE schedule SET output = ?, done = TRUE, completed_at = ? WHERE id = ?`), docArg(out), completedAt, inv.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	inv.Output = out
	inv.Done = true
	inv.CompletedAt = &completedAt
	return nil
}

// Pushback records a failed attempt and returns the invocation to the pool.
// The attempt that uses up the last retry marks it exhausted instead.
func (s *SQLStore) Pushback(ctx context.Context, inv *domain.Invocation, failMessage string) error {
	defer metrics.ObserveDB("pushback", time.Now())
	fm, err := json.Marshal(domain.FailMessage{Message: failMessage})
	if err != nil {
		return fmt.Errorf("encode fail message: %w", err)
	}
	var retries int
	var exhausted bool
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		// exhausted is assigned first: MySQL evaluates SET left to right.
		res, err := tx.ExecContext(ctx, s.d.Rebind(`
UPDATE schedule
SET exhausted = CASE WHEN retry_count + 1 >= ? THEN TRUE ELSE FALSE END,
    retry_count = retry_count + 1,
    claimed = FALSE,
    fail_message = ?
WHERE id = ? AND done = FALSE AND retry_count < ?`), s.retryLimit, string(fm), inv.ID, s.retryLimit)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotClaimable
		}
		return tx.QueryRowContext(ctx, s.d.Rebind(`SELECT retry_count, exhausted FROM schedule WHERE id = ?`), inv.ID).
			Scan(&retries, &exhausted)
	})
	if err != nil {
		return err
	}
	inv.RetryCount = retries
	inv.Exhausted = exhausted
	inv.Claimed = false
	inv.FailMessage = fm
	return nil
}

// Record stores the outcome of a cron or date job. Recorded rows are done on
// insert and never claimed.
func (s *SQLStore) Record(ctx context.Context, name string, startedAt, finishedAt time.Time, output any, failMessage string) (int64, error) {
	defer metrics.ObserveDB("record", time.Now())
	out, err := encodeDoc(output)
	if err != nil {
		return 0, fmt.Errorf("encode output: %w", err)
	}
	var fm []byte
	if failMessage != "" {
		if fm, err = json.Marshal(domain.FailMessage{Message: failMessage}); err != nil {
			return 0, fmt.Errorf("encode fail message: %w", err)
		}
	}
	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		id, err = s.insert(ctx, tx, `
INSERT INTO schedule (task_name, scheduled_at, completed_at, payload, output, claimed, done, retry_count, exhausted, fail_message)
VALUES (?, ?, ?, ?, ?, FALSE, TRUE, 0, FALSE, ?)`,
			name, stamp(startedAt), stamp(finishedAt), "{}", docArg(out), docArg(fm))
		return err
	})
	return id, err
}

// ReleaseClaims unclaims rows left claimed by a process that stopped before
// recording an outcome.
func (s *SQLStore) ReleaseClaims(ctx context.Context) (int, error) {
	defer metrics.ObserveDB("release_claims", time.Now())
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE schedule SET claimed = FALSE WHERE claimed = TRUE AND done = FALSE`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *SQLStore) Get(ctx context.Context, id int64) (domain.Invocation, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(selectInvocation+` WHERE id = ?`), id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invocation{}, ErrNotFound
	}
	return inv, err
}

// ListRecent returns up to limit invocations, newest scheduled_at first.
func (s *SQLStore) ListRecent(ctx context.Context, limit int) ([]domain.Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(selectInvocation+`
ORDER BY scheduled_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) insert(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	if s.d == Postgres {
		var id int64
		err := tx.QueryRowContext(ctx, s.d.Rebind(query+` RETURNING id`), args...).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (domain.Invocation, error) {
	var (
		inv                    domain.Invocation
		completedAt            sql.NullTime
		payload, output, fails []byte
	)
	if err := row.Scan(&inv.ID, &inv.TaskName, &inv.ScheduledAt, &completedAt, &payload, &output,
		&inv.Claimed, &inv.Done, &inv.RetryCount, &inv.Exhausted, &fails); err != nil {
		return domain.Invocation{}, err
	}
	inv.ScheduledAt = inv.ScheduledAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		inv.CompletedAt = &t
	}
	inv.Payload = payload
	inv.Output = output
	inv.FailMessage = fails
	return inv, nil
}

// stamp normalizes times to UTC microseconds, the finest precision all
// three backends keep.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func encodeDoc(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func docArg(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
