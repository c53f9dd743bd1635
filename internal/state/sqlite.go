package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SQLiteStore is the default Store, a single SQLite file in WAL mode.
type SQLiteStore struct {
	db    *sql.DB
	locks keyLocks
	now   func() time.Time
}

// Open opens (creating if needed) the database at path and returns a
// migrated store. The parent directory is created.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	// Transactions take the write lock at BEGIN.
	db, err := sql.Open(driverName, path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database, running migrations on first
// use. The store owns db from here on; Close closes it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	// One connection: SQLite allows a single writer, and keeping every
	// statement on the same connection keeps the pragmas in force.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processing_records (
		video_id    TEXT PRIMARY KEY,
		channel_id  TEXT NOT NULL DEFAULT '',
		title       TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		last_error  TEXT NOT NULL DEFAULT '',
		attempts    INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		notified_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_processing_records_status
		ON processing_records(status);

	CREATE TABLE IF NOT EXISTS channels (
		channel_id      TEXT PRIMARY KEY,
		name            TEXT NOT NULL DEFAULT '',
		url             TEXT NOT NULL DEFAULT '',
		feed_url        TEXT NOT NULL DEFAULT '',
		last_seen_at    TEXT NOT NULL DEFAULT '',
		last_video_id   TEXT NOT NULL DEFAULT '',
		last_checked_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		video_id     TEXT NOT NULL,
		notifier     TEXT NOT NULL,
		delivered_at TEXT NOT NULL,
		PRIMARY KEY (video_id, notifier)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const recordColumns = `video_id, channel_id, title, status, last_error, attempts, created_at, updated_at, notified_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                          Record
		status                     string
		created, updated, notified string
	)
	if err := row.Scan(&r.VideoID, &r.ChannelID, &r.Title, &status, &r.LastError,
		&r.Attempts, &created, &updated, &notified); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	r.NotifiedAt = parseTime(notified)
	return &r, nil
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, videoID, channelID, title string) (*Record, bool, error) {
	unlock := s.locks.lock(videoID)
	defer unlock()

	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processing_records
		 (video_id, channel_id, title, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		videoID, channelID, title, string(StatusPending), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create record %s: %w", videoID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create record %s: %w", videoID, err)
	}

	rec, err := s.get(ctx, s.db, videoID)
	if err != nil {
		return nil, false, err
	}
	return rec, n == 1, nil
}

// Advance implements Store.
func (s *SQLiteStore) Advance(ctx context.Context, videoID string, to Status, errMsg string) error {
	unlock := s.locks.lock(videoID)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.get(ctx, tx, videoID)
		if err != nil {
			return err
		}
		from := rec.Status
		if err := applyAdvance(rec, to, errMsg, s.now()); err != nil {
			return fmt.Errorf("advance %s: %w", videoID, err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE processing_records
			 SET status = ?, last_error = ?, attempts = ?, updated_at = ?, notified_at = ?
			 WHERE video_id = ? AND status = ?`,
			string(rec.Status), rec.LastError, rec.Attempts,
			formatTime(rec.UpdatedAt), formatTime(rec.NotifiedAt),
			videoID, string(from),
		)
		if err != nil {
			return fmt.Errorf("advance %s: %w", videoID, err)
		}
		return nil
	})
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context, videoID string) error {
	unlock := s.locks.lock(videoID)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.get(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if err := CanTransition(rec.Status, StatusPending).Error(); err != nil {
			return fmt.Errorf("reset %s: %w", videoID, err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE processing_records
			 SET status = ?, last_error = '', attempts = 1, updated_at = ?
			 WHERE video_id = ?`,
			string(StatusPending), formatTime(s.now()), videoID,
		)
		return err
	})
}

// IsNotified implements Store.
func (s *SQLiteStore) IsNotified(ctx context.Context, videoID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM processing_records WHERE video_id = ?`, videoID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", videoID, err)
	}
	return Status(status) == StatusNotified, nil
}

// Deliveries implements Store.
func (s *SQLiteStore) Deliveries(ctx context.Context, videoID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notifier FROM deliveries WHERE video_id = ? ORDER BY notifier`, videoID)
	if err != nil {
		return nil, fmt.Errorf("deliveries %s: %w", videoID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// MarkDelivered implements Store.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, videoID, notifier string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (video_id, notifier, delivered_at) VALUES (?, ?, ?)`,
		videoID, notifier, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("mark %s delivered to %s: %w", videoID, notifier, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, videoID string) (*Record, error) {
	return s.get(ctx, s.db, videoID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q querier, videoID string) (*Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM processing_records WHERE video_id = ?`, videoID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", videoID, err)
	}
	return rec, nil
}

// List implements Store. Records come back most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	query := `SELECT ` + recordColumns + ` FROM processing_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, video_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts implements Store.
func (s *SQLiteStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM processing_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// GetChannel implements Store.
func (s *SQLiteStore) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var (
		ch                  Channel
		lastSeen, lastCheck string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, name, url, feed_url, last_seen_at, last_video_id, last_checked_at
		 FROM channels WHERE channel_id = ?`, channelID,
	).Scan(&ch.ID, &ch.Name, &ch.URL, &ch.FeedURL, &lastSeen, &ch.LastVideoID, &lastCheck)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	ch.LastSeenAt = parseTime(lastSeen)
	ch.LastCheckedAt = parseTime(lastCheck)
	return &ch, nil
}

// SaveChannel implements Store.
func (s *SQLiteStore) SaveChannel(ctx context.Context, ch *Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_id, name, url, feed_url, last_seen_at, last_video_id, last_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			feed_url = excluded.feed_url,
			last_seen_at = excluded.last_seen_at,
			last_video_id = excluded.last_video_id,
			last_checked_at = excluded.last_checked_at`,
		ch.ID, ch.Name, ch.URL, ch.FeedURL,
		formatTime(ch.LastSeenAt), ch.LastVideoID, formatTime(ch.LastCheckedAt),
	)
	if err != nil {
		return fmt.Errorf("save channel %s: %w", ch.ID, err)
	}
	return nil
}

// ListChannels implements Store.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.GetChannel(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// inTx runs fn in a transaction, committing when it returns nil.
// Stores from Open begin immediate transactions.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
