package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"captcha-gatekeeper/apperrors"
	"captcha-gatekeeper/database/migrations"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Fixed width so lexical order matches time order.
const timeFormat = "2006-01-02 15:04:05.000000000"

// SQLiteStore is the default Store backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. Writers wait up
// to busyTimeout for the lock before failing with ErrStoreUnavailable.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.Clean(path), busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers inside the process; busy_timeout
	// covers other processes holding the file.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timeFormat)
}

// wrap classifies driver errors: lock contention and deadlines are transient.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewStoreUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrap(op, err)
	}
	return wrap(op, tx.Commit())
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, p UserParams) error {
	if p.Status == StatusPending {
		return ErrPendingRequiresChallenge
	}
	if !p.Status.Valid() {
		return apperrors.NewInvalidInput(fmt.Sprintf("invalid status %q", p.Status))
	}
	now := s.timestamp()
	return s.withTx(ctx, "upsert_user", func(tx *sql.Tx) error {
		if err := upsertUserTx(ctx, tx, p, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_verifications WHERE user_id = ?`, p.ID)
		return err
	})
}

func upsertUserTx(ctx context.Context, tx *sql.Tx, p UserParams, now string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, user_name, username, status, chat_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			user_name = excluded.user_name,
			username = COALESCE(excluded.username, users.username),
			status = excluded.status,
			chat_id = COALESCE(users.chat_id, excluded.chat_id),
			updated_at = excluded.updated_at`,
		p.ID, p.Name, nullString(p.Username), string(p.Status), nullInt64(p.ChatID), now, now,
	)
	return err
}

const userColumns = `user_id, user_name, username, status, chat_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                    User
		username             sql.NullString
		status               string
		chatID               sql.NullInt64
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &username, &status, &chatID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	u.Status = st
	u.Username = username.String
	if chatID.Valid {
		id := chatID.Int64
		u.ChatID = &id
	}
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	u.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get_user", err)
	}
	return u, nil
}

func (s *SQLiteStore) hasStatus(ctx context.Context, op string, id int64, status Status) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE user_id = ? AND status = ?`, id, string(status),
	).Scan(&n)
	if err != nil {
		return false, wrap(op, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) IsVerified(ctx context.Context, id int64) (bool, error) {
	return s.hasStatus(ctx, "is_verified", id, StatusVerified)
}

func (s *SQLiteStore) IsBlocked(ctx context.Context, id int64) (bool, error) {
	return s.hasStatus(ctx, "is_blocked", id, StatusBlocked)
}

func (s *SQLiteStore) GetPending(ctx context.Context, id int64) (*PendingChallenge, error) {
	var (
		p         PendingChallenge
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, user_name, question, answer, created_at
		FROM pending_verifications WHERE user_id = ?`, id,
	).Scan(&p.UserID, &p.ChatID, &p.UserName, &p.Question, &p.Answer, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get_pending", err)
	}
	p.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &p, nil
}

func (s *SQLiteStore) AddPending(ctx context.Context, id, chatID int64, name, question, answer string) error {
	now := s.timestamp()
	return s.withTx(ctx, "add_pending", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (user_id, user_name, status, chat_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				user_name = excluded.user_name,
				status = excluded.status,
				chat_id = COALESCE(users.chat_id, excluded.chat_id),
				updated_at = excluded.updated_at`,
			id, name, string(StatusPending), chatID, now, now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_verifications (user_id, chat_id, user_name, question, answer, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				chat_id = excluded.chat_id,
				user_name = excluded.user_name,
				question = excluded.question,
				answer = excluded.answer,
				created_at = excluded.created_at`,
			id, chatID, name, question, answer, now,
		)
		return err
	})
}

func (s *SQLiteStore) ResolvePendingSuccess(ctx context.Context, id int64, name string) error {
	now := s.timestamp()
	return s.withTx(ctx, "resolve_pending_success", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET status = ?, user_name = ?, updated_at = ? WHERE user_id = ? AND status = ?`,
			string(StatusVerified), name, now, id, string(StatusPending),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotPending
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_verifications WHERE user_id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) BlockKnownUser(ctx context.Context, id int64, username string) (bool, error) {
	now := s.timestamp()
	var changed bool
	err := s.withTx(ctx, "block_known_user", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET status = ?, username = COALESCE(?, username), updated_at = ?
			WHERE user_id = ? AND status != ?`,
			string(StatusBlocked), nullString(username), now, id, string(StatusBlocked),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_verifications WHERE user_id = ?`, id)
		return err
	})
	return changed, err
}

func (s *SQLiteStore) RemovePending(ctx context.Context, id int64) error {
	return s.withTx(ctx, "remove_pending", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_verifications WHERE user_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ? AND status = ?`, id, string(StatusPending))
		return err
	})
}

func (s *SQLiteStore) RemoveUserIfBlocked(ctx context.Context, id int64) error {
	return s.withTx(ctx, "remove_user_if_blocked", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ? AND status = ?`, id, string(StatusBlocked))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pending_verifications WHERE user_id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) listUsers(ctx context.Context, op, where string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where+` ORDER BY created_at DESC, user_id DESC`, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		users = append(users, *u)
	}
	return users, wrap(op, rows.Err())
}

func (s *SQLiteStore) ListBlocked(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "list_blocked", `status = ?`, string(StatusBlocked))
}

func (s *SQLiteStore) ListNonBlocked(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "list_non_blocked", `status != ?`, string(StatusBlocked))
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM users WHERE status = 'verified'),
			(SELECT COUNT(1) FROM users WHERE status = 'pending'),
			(SELECT COUNT(1) FROM users WHERE status = 'blocked'),
			(SELECT COUNT(1) FROM pending_verifications)`,
	).Scan(&c.Verified, &c.Pending, &c.Blocked, &c.PendingChallenges)
	if err != nil {
		return Counts{}, wrap("counts", err)
	}
	return c, nil
}

func (s *SQLiteStore) LoadOffset(ctx context.Context, feed string) (int, error) {
	var offset int
	err := s.db.QueryRowContext(ctx, `SELECT next_offset FROM poll_state WHERE feed = ?`, feed).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("load_offset", err)
	}
	return offset, nil
}

func (s *SQLiteStore) SaveOffset(ctx context.Context, feed string, offset int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_state (feed, next_offset, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (feed) DO UPDATE SET next_offset = excluded.next_offset, updated_at = excluded.updated_at`,
		feed, offset, s.timestamp(),
	)
	return wrap("save_offset", err)
}

var (
	_ Store       = (*SQLiteStore)(nil)
	_ OffsetStore = (*SQLiteStore)(nil)
)
