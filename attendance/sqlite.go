package attendance

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"go-attendance-verifier/avatar"
	"go-attendance-verifier/facematch"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const recordColumns = `id, user_id, activity_id, similarity, is_match, method, status, error,
	captured_image, receipt_jwt, reviewer, created_at, updated_at, review_requested_at, reviewed_at`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the database at path and migrates it to the latest
// schema version.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set sqlite pragmas: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.MigrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	version, _, err := s.MigrateVersion()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	slog.Info("Opened sqlite attendance store", "path", path, "schema_version", version)
	return s, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (s *SQLiteStore) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed, that would close the underlying connection

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version, 0 if none was applied.
func (s *SQLiteStore) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *SQLiteStore) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (migrateLogger) Verbose() bool {
	return false
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) (Record, error) {
	if rec.UserID == "" || rec.ActivityID == "" {
		return Record{}, fmt.Errorf("user id and activity id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing *Record
	old, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE user_id = ? AND activity_id = ?`,
		rec.UserID, rec.ActivityID))
	switch {
	case err == nil:
		existing = &old
	case !errors.Is(err, ErrNotFound):
		return Record{}, err
	}

	stored := prepareSave(existing, rec, s.now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT (user_id, activity_id) DO UPDATE SET
			similarity = excluded.similarity,
			is_match = excluded.is_match,
			method = excluded.method,
			status = excluded.status,
			error = excluded.error,
			captured_image = excluded.captured_image,
			receipt_jwt = excluded.receipt_jwt,
			reviewer = '',
			updated_at = excluded.updated_at,
			review_requested_at = NULL,
			reviewed_at = NULL`,
		stored.ID, stored.UserID, stored.ActivityID, stored.Similarity, stored.IsMatch,
		string(stored.Method), string(stored.Status), stored.Error, stored.CapturedImage,
		stored.ReceiptJwt, stored.Reviewer, formatTime(stored.CreatedAt), formatTime(stored.UpdatedAt))
	if err != nil {
		return Record{}, fmt.Errorf("failed to save attendance record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit attendance record: %w", err)
	}
	return stored, nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID, activityID string) (Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE user_id = ? AND activity_id = ?`,
		userID, activityID))
}

func (s *SQLiteStore) ListByActivity(ctx context.Context, activityID string) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE activity_id = ? ORDER BY created_at, user_id`,
		activityID)
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE status = ? ORDER BY created_at, user_id`,
		string(StatusPendingReview))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Resolve(ctx context.Context, userID, activityID string, approve bool, reviewer string) (Record, error) {
	rec, err := s.Get(ctx, userID, activityID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPendingReview {
		return Record{}, ErrNotPending
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = ?, reviewer = ?, reviewed_at = ?, updated_at = ?
		WHERE user_id = ? AND activity_id = ? AND status = ?`,
		string(resolvedStatus(approve)), reviewer, formatTime(now), formatTime(now),
		userID, activityID, string(StatusPendingReview))
	if err != nil {
		return Record{}, fmt.Errorf("failed to resolve attendance record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, ErrNotPending
	}
	return s.Get(ctx, userID, activityID)
}

func (s *SQLiteStore) MarkReviewRequested(ctx context.Context, userID, activityID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attendance_records SET review_requested_at = ? WHERE user_id = ? AND activity_id = ?`,
		formatTime(at), userID, activityID)
	if err != nil {
		return fmt.Errorf("failed to mark review requested: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ReferenceImageURL(ctx context.Context, userID string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM reference_images WHERE user_id = ?`, userID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && url == "") {
		return "", avatar.ErrNoReferenceImage
	}
	if err != nil {
		return "", fmt.Errorf("failed to read reference image url: %w", err)
	}
	return url, nil
}

func (s *SQLiteStore) SetReferenceImageURL(ctx context.Context, userID, url string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_images (user_id, url, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`,
		userID, url, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to store reference image url: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                   Record
		method, status        string
		createdAt, updatedAt  string
		requestedAt, reviewed sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.ActivityID, &rec.Similarity, &rec.IsMatch,
		&method, &status, &rec.Error, &rec.CapturedImage, &rec.ReceiptJwt, &rec.Reviewer,
		&createdAt, &updatedAt, &requestedAt, &reviewed)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to scan attendance record: %w", err)
	}
	rec.Method = facematch.Method(method)
	rec.Status = Status(status)

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, err
	}
	if rec.ReviewRequestedAt, err = parseNullTime(requestedAt); err != nil {
		return Record{}, err
	}
	if rec.ReviewedAt, err = parseNullTime(reviewed); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// fixed width so text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
