package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a new ULID. IDs generated by one process sort in creation order.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// SQLiteStore implements AccountStore, AttemptStore and AuditStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// foreign_keys and busy_timeout are per-connection, so they go in the DSN.
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set WAL mode")
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithDB wraps an already opened and migrated database.
func NewWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Fixed width so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

type rowScanner interface{ Scan(...any) error }

const selectAccountCols = `id, owner, name, credential, active, last_run_at,
	last_run_status, created_at, updated_at`

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var active int
	var lastRunAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&a.ID,
		&a.Owner,
		&a.Name,
		&a.Credential,
		&active,
		&lastRunAt,
		&a.LastRunStatus,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	a.Active = active != 0
	if a.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, errors.Wrap(err, "parse last_run_at")
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}
	return &a, nil
}

func (s *SQLiteStore) queryAccounts(ctx context.Context, query string, args ...any) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreateAccount inserts a new account. A credential already registered by the
// same owner yields ErrDuplicateCredential.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.LastRunStatus == "" {
		a.LastRunStatus = StatusNever
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, owner, name, credential, active, last_run_at,
			last_run_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Owner,
		a.Name,
		a.Credential,
		boolInt(a.Active),
		formatTimePtr(a.LastRunAt),
		a.LastRunStatus,
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateCredential
	}
	return err
}

// GetAccount retrieves a single account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectAccountCols+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// FindAccountByCredential returns the owner's account holding credential, or ErrNotFound.
func (s *SQLiteStore) FindAccountByCredential(ctx context.Context, owner, credential string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectAccountCols+" FROM accounts WHERE owner = ? AND credential = ?",
		owner, credential)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAccounts returns the owner's accounts, newest first. An empty owner lists all.
func (s *SQLiteStore) ListAccounts(ctx context.Context, owner string) ([]*Account, error) {
	query := "SELECT " + selectAccountCols + " FROM accounts"
	var args []any
	if owner != "" {
		query += " WHERE owner = ?"
		args = append(args, owner)
	}
	query += " ORDER BY created_at DESC, id DESC"
	return s.queryAccounts(ctx, query, args...)
}

// ListActiveAccounts returns every active account in creation order.
func (s *SQLiteStore) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	return s.queryAccounts(ctx,
		"SELECT "+selectAccountCols+" FROM accounts WHERE active = 1 ORDER BY created_at, id")
}

// ListAccountsByID returns the accounts with the given IDs in creation order.
// Unknown IDs are ignored.
func (s *SQLiteStore) ListAccountsByID(ctx context.Context, ids []string) ([]*Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryAccounts(ctx,
		"SELECT "+selectAccountCols+" FROM accounts WHERE id IN ("+placeholders+") ORDER BY created_at, id",
		args...)
}

// ListRunningAccounts returns accounts left in the running status, in creation order.
func (s *SQLiteStore) ListRunningAccounts(ctx context.Context) ([]*Account, error) {
	return s.queryAccounts(ctx,
		"SELECT "+selectAccountCols+" FROM accounts WHERE last_run_status = ? ORDER BY created_at, id",
		StatusRunning)
}

// UpdateAccount saves the editable fields of an account.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET name = ?, credential = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		a.Name,
		a.Credential,
		boolInt(a.Active),
		formatTime(a.UpdatedAt),
		a.ID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateCredential
	}
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteAccount removes an account together with its attempt history.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM grab_attempts WHERE account_id = ?", id); err != nil {
		return errors.Wrap(err, "delete attempts")
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "delete account")
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRunning sets the account status to running and stamps last_run_at.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_run_status = ?, last_run_at = ? WHERE id = ?`,
		StatusRunning, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetRunStatus overwrites the account run status without touching history.
func (s *SQLiteStore) SetRunStatus(ctx context.Context, id string, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET last_run_status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteAttempt inserts the attempt and writes the account's terminal
// status in the same transaction.
func (s *SQLiteStore) CompleteAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	lines := a.LineOutcomes
	if lines == nil {
		lines = []LineOutcome{}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return errors.Wrap(err, "encode line outcomes")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grab_attempts (
			id, account_id, batch_id, trigger_type, occurred_at, status,
			account_status, succeeded_count, failed_count, line_outcomes,
			message, raw_output, duration_ms, log_path, truncated, exit_code
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.AccountID,
		a.BatchID,
		a.Trigger,
		formatTime(a.OccurredAt),
		a.Status,
		a.AccountStatus,
		a.SucceededCount,
		a.FailedCount,
		string(linesJSON),
		nullString(a.Message),
		nullString(a.RawOutput),
		a.DurationMs,
		nullString(a.LogPath),
		boolInt(a.Truncated),
		a.ExitCode,
	); err != nil {
		return errors.Wrap(err, "insert attempt")
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET last_run_status = ? WHERE id = ?", a.AccountStatus, a.AccountID)
	if err != nil {
		return errors.Wrap(err, "update account status")
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

const selectAttemptCols = `g.id, g.account_id, COALESCE(a.name, ''), g.batch_id,
	g.trigger_type, g.occurred_at, g.status, g.account_status, g.succeeded_count,
	g.failed_count, g.line_outcomes, g.message, g.raw_output, g.duration_ms, g.log_path,
	g.truncated, g.exit_code`

const attemptFrom = ` FROM grab_attempts g LEFT JOIN accounts a ON a.id = g.account_id`

func scanAttempt(row rowScanner) (*Attempt, error) {
	var at Attempt
	var occurredAt, linesJSON string
	var message, rawOutput, logPath sql.NullString
	var durationMs sql.NullInt64
	var truncated int

	if err := row.Scan(
		&at.ID,
		&at.AccountID,
		&at.AccountName,
		&at.BatchID,
		&at.Trigger,
		&occurredAt,
		&at.Status,
		&at.AccountStatus,
		&at.SucceededCount,
		&at.FailedCount,
		&linesJSON,
		&message,
		&rawOutput,
		&durationMs,
		&logPath,
		&truncated,
		&at.ExitCode,
	); err != nil {
		return nil, err
	}

	var err error
	at.Truncated = truncated != 0
	if at.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, errors.Wrap(err, "parse occurred_at")
	}
	if err := json.Unmarshal([]byte(linesJSON), &at.LineOutcomes); err != nil {
		return nil, errors.Wrap(err, "decode line outcomes")
	}
	at.Message = message.String
	at.RawOutput = rawOutput.String
	at.LogPath = logPath.String
	at.DurationMs = durationMs.Int64
	return &at, nil
}

// GetAttempt retrieves a single attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectAttemptCols+attemptFrom+" WHERE g.id = ?", id)
	at, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return at, err
}

// ListAttempts returns attempts matching opts, newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, opts AttemptListOpts) ([]*Attempt, error) {
	query := "SELECT " + selectAttemptCols + attemptFrom
	var args []any

	if opts.AccountID != "" {
		query += " WHERE g.account_id = ?"
		args = append(args, opts.AccountID)
	}
	query += " ORDER BY g.occurred_at DESC, g.id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		at, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, at)
	}
	return attempts, rows.Err()
}

// CountAttempts counts attempts, optionally for one account.
func (s *SQLiteStore) CountAttempts(ctx context.Context, accountID string) (int, error) {
	query := "SELECT COUNT(*) FROM grab_attempts"
	var args []any
	if accountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// AppendAudit inserts an audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, level, category, message, details, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Level,
		e.Category,
		e.Message,
		nullString(e.Details),
		nullString(e.Actor),
		formatTime(e.CreatedAt),
	)
	return err
}

func auditWhere(opts AuditListOpts) (string, []any) {
	var conds []string
	var args []any
	if opts.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, opts.Level)
	}
	if opts.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, opts.Category)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListAudit returns audit entries matching opts, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, opts AuditListOpts) ([]*AuditEntry, error) {
	where, args := auditWhere(opts)
	query := "SELECT id, level, category, message, details, actor, created_at FROM audit_logs" +
		where + " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details, actor sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Level, &e.Category, &e.Message, &details, &actor, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, errors.Wrap(err, "parse created_at")
		}
		e.Details = details.String
		e.Actor = actor.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CountAudit counts audit entries matching the filters in opts.
func (s *SQLiteStore) CountAudit(ctx context.Context, opts AuditListOpts) (int, error) {
	where, args := auditWhere(opts)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&n)
	return n, err
}

// Stats returns dashboard aggregates; the *Since fields cover attempts at or after since.
func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	var st Stats
	var active sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN active = 1 THEN 1 ELSE 0 END)
		FROM accounts`).Scan(&st.TotalAccounts, &active)
	if err != nil {
		return nil, errors.Wrap(err, "account stats")
	}
	st.ActiveAccounts = int(active.Int64)

	var succeeded, failed sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM grab_attempts),
			COUNT(*),
			SUM(succeeded_count),
			SUM(failed_count)
		FROM grab_attempts
		WHERE occurred_at >= ?`, formatTime(since)).Scan(
		&st.TotalAttempts,
		&st.AttemptsSince,
		&succeeded,
		&failed,
	)
	if err != nil {
		return nil, errors.Wrap(err, "attempt stats")
	}
	st.SucceededSince = int(succeeded.Int64)
	st.FailedSince = int(failed.Int64)
	return &st, nil
}
