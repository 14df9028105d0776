package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orchardlabs/orchard/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes multi-statement transactions to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS identities (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		handle TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS access_grants (
		identity_key TEXT PRIMARY KEY,
		expiration INTEGER NOT NULL,
		suspended INTEGER NOT NULL DEFAULT 0,
		daily_limit INTEGER,
		hourly_limit INTEGER,
		total_limit INTEGER,
		used_today INTEGER NOT NULL DEFAULT 0,
		day_marker TEXT NOT NULL DEFAULT '',
		used_this_hour INTEGER NOT NULL DEFAULT 0,
		hour_marker TEXT NOT NULL DEFAULT '',
		used_total INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS access_tokens (
		code TEXT PRIMARY KEY,
		identity_key TEXT NOT NULL,
		expiration INTEGER NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_expiration ON access_tokens(expiration) WHERE consumed = 0;

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		flow_id TEXT NOT NULL,
		identity_key TEXT NOT NULL,
		category TEXT NOT NULL,
		drawn_cell INTEGER NOT NULL,
		drawn_side TEXT NOT NULL,
		played_cell INTEGER NOT NULL,
		played_side TEXT NOT NULL,
		grade TEXT NOT NULL,
		outcome TEXT NOT NULL,
		stake TEXT NOT NULL,
		seed TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_identity ON history(identity_key, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by its key.
func (s *SQLiteStore) GetIdentity(ctx context.Context, key string) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, name, handle FROM identities WHERE key = ?`, key)

	var id domain.Identity
	err := row.Scan(&id.Key, &id.Name, &id.Handle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity row: %w", err)
	}
	id.Role = domain.RoleDefault
	return &id, nil
}

// UpsertIdentity creates the identity or refreshes its name and handle.
func (s *SQLiteStore) UpsertIdentity(ctx context.Context, id *domain.Identity) error {
	now := time.Now().Unix()
	query := `
	INSERT INTO identities (key, name, handle, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		name = excluded.name,
		handle = excluded.handle,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, id.Key, id.Name, id.Handle, now, now)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// PurgeIdentity removes the identity, its grant, its tokens and its history.
func (s *SQLiteStore) PurgeIdentity(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer rollback(tx)

	for _, stmt := range []string{
		`DELETE FROM history WHERE identity_key = ?`,
		`DELETE FROM access_tokens WHERE identity_key = ?`,
		`DELETE FROM access_grants WHERE identity_key = ?`,
		`DELETE FROM identities WHERE key = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
			return fmt.Errorf("purge identity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	return nil
}

const grantColumns = `identity_key, expiration, suspended,
	daily_limit, hourly_limit, total_limit,
	used_today, day_marker, used_this_hour, hour_marker, used_total`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*domain.AccessGrant, error) {
	var g domain.AccessGrant
	var expiration int64
	var daily, hourly, total sql.NullInt64

	err := row.Scan(
		&g.IdentityKey, &expiration, &g.Suspended,
		&daily, &hourly, &total,
		&g.UsedToday, &g.DayMarker, &g.UsedThisHour, &g.HourMarker, &g.UsedTotal,
	)
	if err != nil {
		return nil, err
	}

	g.Expiration = time.Unix(expiration, 0)
	if daily.Valid {
		v := int(daily.Int64)
		g.DailyLimit = &v
	}
	if hourly.Valid {
		v := int(hourly.Int64)
		g.HourlyLimit = &v
	}
	if total.Valid {
		v := int(total.Int64)
		g.TotalLimit = &v
	}
	return &g, nil
}

// GetGrant retrieves the identity's access grant.
func (s *SQLiteStore) GetGrant(ctx context.Context, key string) (*domain.AccessGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE identity_key = ?`, key)

	grant, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan grant row: %w", err)
	}
	return grant, nil
}

// ListGrants returns all grants, most recent expiration first.
func (s *SQLiteStore) ListGrants(ctx context.Context) ([]*domain.AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants ORDER BY expiration DESC`)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer closeRows(rows, "grants")

	var grants []*domain.AccessGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

// SetSuspended flips the suspension flag.
func (s *SQLiteStore) SetSuspended(ctx context.Context, key string, suspended bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_grants SET suspended = ? WHERE identity_key = ?`, suspended, key)
	if err != nil {
		return fmt.Errorf("update suspended: %w", err)
	}
	return requireRow(result, key)
}

// SetExpiration replaces the grant's expiration.
func (s *SQLiteStore) SetExpiration(ctx context.Context, key string, expiration time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_grants SET expiration = ? WHERE identity_key = ?`, expiration.Unix(), key)
	if err != nil {
		return fmt.Errorf("update expiration: %w", err)
	}
	return requireRow(result, key)
}

// SetLimits stores window limits and starts a fresh daily window.
func (s *SQLiteStore) SetLimits(ctx context.Context, key string, daily, hourly, total *int, day string) error {
	query := `
	INSERT INTO access_grants (identity_key, expiration, daily_limit, hourly_limit, total_limit, used_today, day_marker)
	VALUES (?, 0, ?, ?, ?, 0, ?)
	ON CONFLICT(identity_key) DO UPDATE SET
		daily_limit = excluded.daily_limit,
		hourly_limit = excluded.hourly_limit,
		total_limit = excluded.total_limit,
		used_today = 0,
		day_marker = excluded.day_marker`

	_, err := s.db.ExecContext(ctx, query, key, nullableInt(daily), nullableInt(hourly), nullableInt(total), day)
	if err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	return nil
}

// InsertToken stores a freshly issued access token.
func (s *SQLiteStore) InsertToken(ctx context.Context, token *domain.AccessToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_tokens (code, identity_key, expiration, consumed) VALUES (?, ?, ?, 0)`,
		token.Code, token.IdentityKey, token.Expiration.Unix())
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by code.
func (s *SQLiteStore) GetToken(ctx context.Context, code string) (*domain.AccessToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, identity_key, expiration, consumed FROM access_tokens WHERE code = ?`, code)

	var t domain.AccessToken
	var expiration int64
	err := row.Scan(&t.Code, &t.IdentityKey, &expiration, &t.Consumed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan token row: %w", err)
	}
	t.Expiration = time.Unix(expiration, 0)
	return &t, nil
}

// RedeemToken consumes the token and creates or extends the grant atomically.
func (s *SQLiteStore) RedeemToken(ctx context.Context, code, identityKey string, now time.Time) (*domain.AccessGrant, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin redeem: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx,
		`SELECT identity_key, expiration, consumed FROM access_tokens WHERE code = ?`, code)

	var target string
	var expiration int64
	var consumed bool
	err = row.Scan(&target, &expiration, &consumed)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("scan token row: %w", err)
	}

	// Error precedence mirrors the redemption contract: used before owner
	// before expiry.
	if consumed {
		return nil, domain.ErrTokenUsed
	}
	if target != identityKey {
		return nil, domain.ErrTokenWrongOwner
	}
	if !time.Unix(expiration, 0).After(now) {
		return nil, domain.ErrTokenExpired
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE access_tokens SET consumed = 1 WHERE code = ?`, code); err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}

	// Only the expiration is touched; suspension and quota fields of an
	// existing grant survive redemption.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO access_grants (identity_key, expiration)
		VALUES (?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET expiration = excluded.expiration`,
		identityKey, expiration); err != nil {
		return nil, fmt.Errorf("upsert grant: %w", err)
	}

	row = tx.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE identity_key = ?`, identityKey)
	grant, err := scanGrant(row)
	if err != nil {
		return nil, fmt.Errorf("scan grant row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit redeem: %w", err)
	}
	return grant, nil
}

// DeleteExpiredTokens removes expired unconsumed tokens.
func (s *SQLiteStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE consumed = 0 AND expiration <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}

// ReserveDailyQuota performs lazy reset, boundary check and increment in one
// transaction. Concurrent reservations for the same identity serialize on the
// write lock, so two callers can never both pass the check against the same
// pre-increment counter.
func (s *SQLiteStore) ReserveDailyQuota(ctx context.Context, key, day, hour string, defaultDaily int) (*QuotaReservation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin quota reserve: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `
		SELECT used_today, day_marker, used_this_hour, hour_marker, used_total, daily_limit
		FROM access_grants WHERE identity_key = ?`, key)

	var usedToday, usedHour, usedTotal int
	var dayMarker, hourMarker string
	var dailyLimit sql.NullInt64
	err = row.Scan(&usedToday, &dayMarker, &usedHour, &hourMarker, &usedTotal, &dailyLimit)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan quota row: %w", err)
	}

	limit := defaultDaily
	if dailyLimit.Valid {
		limit = int(dailyLimit.Int64)
	}

	// A counter whose marker does not match the current window is
	// logically zero regardless of its stored value.
	if dayMarker != day {
		usedToday = 0
	}
	if hourMarker != hour {
		usedHour = 0
	}

	if usedToday >= limit {
		// Denied at the boundary: no mutation at all.
		return &QuotaReservation{Admitted: false, Used: usedToday, Limit: limit}, nil
	}

	usedToday++
	usedHour++
	usedTotal++

	if _, err := tx.ExecContext(ctx, `
		UPDATE access_grants
		SET used_today = ?, day_marker = ?, used_this_hour = ?, hour_marker = ?, used_total = ?
		WHERE identity_key = ?`,
		usedToday, day, usedHour, hour, usedTotal, key); err != nil {
		return nil, fmt.Errorf("update quota counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit quota reserve: %w", err)
	}
	return &QuotaReservation{Admitted: true, Used: usedToday, Limit: limit}, nil
}

// AppendRecords appends all records in one transaction.
func (s *SQLiteStore) AppendRecords(ctx context.Context, records []*domain.CompletedRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer rollback(tx)

	if err := insertRecords(ctx, tx, records); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ReplaceHistory swaps the identity's history for the given records.
func (s *SQLiteStore) ReplaceHistory(ctx context.Context, key string, records []*domain.CompletedRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE identity_key = ?`, key); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if err := insertRecords(ctx, tx, records); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, records []*domain.CompletedRecord) error {
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history (flow_id, identity_key, category, drawn_cell, drawn_side,
				played_cell, played_side, grade, outcome, stake, seed, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.FlowID, rec.IdentityKey, rec.Category, rec.DrawnCell, rec.DrawnSide,
			rec.PlayedCell, rec.PlayedSide, rec.Grade, rec.Outcome, rec.Stake, rec.Seed,
			rec.RecordedAt.Unix()); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, flow_id, identity_key, category, drawn_cell, drawn_side,
	played_cell, played_side, grade, outcome, stake, seed, recorded_at`

func scanRecord(row rowScanner) (*domain.CompletedRecord, error) {
	var rec domain.CompletedRecord
	var recordedAt int64
	err := row.Scan(
		&rec.ID, &rec.FlowID, &rec.IdentityKey, &rec.Category, &rec.DrawnCell, &rec.DrawnSide,
		&rec.PlayedCell, &rec.PlayedSide, &rec.Grade, &rec.Outcome, &rec.Stake, &rec.Seed,
		&recordedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.RecordedAt = time.Unix(recordedAt, 0)
	return &rec, nil
}

// ListRecords returns the identity's history, oldest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, key string) ([]*domain.CompletedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM history WHERE identity_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer closeRows(rows, "history")

	return collectRecords(rows)
}

// ListRecentRecords returns up to n most recent records, newest first.
func (s *SQLiteStore) ListRecentRecords(ctx context.Context, key string, n int) ([]*domain.CompletedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM history WHERE identity_key = ? ORDER BY id DESC LIMIT ?`, key, n)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer closeRows(rows, "recent history")

	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*domain.CompletedRecord, error) {
	var records []*domain.CompletedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

// DeleteHistory removes all of the identity's records.
func (s *SQLiteStore) DeleteHistory(ctx context.Context, key string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE identity_key = ?`, key)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(result sql.Result, key string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("grant update affected 0 rows", "identity_key", key)
		return domain.ErrNotFound
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("transaction rollback failed", "error", err)
	}
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
