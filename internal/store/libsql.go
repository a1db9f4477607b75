package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rvidal/preceptor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Snapshots ---

func (s *LibSQLStore) CreateSnapshot(ctx context.Context, snap *schema.WorkflowSnapshot) error {
	variables, history, err := marshalSnapshotState(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (instance_id, workflow_type, active_role, variables, history, hop_count, version, status, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.InstanceID, snap.WorkflowType, string(snap.ActiveRole), variables, history,
		snap.HopCount, snap.Version, string(snap.Status),
		timeOrNow(snap.CreatedAt), timeOrNow(snap.UpdatedAt), snap.ExpiresAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "instance %q already exists", snap.InstanceID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) LoadSnapshot(ctx context.Context, instanceID string) (*schema.WorkflowSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id, workflow_type, active_role, variables, history, hop_count, version, status, created_at, updated_at, expires_at
		 FROM snapshots WHERE instance_id = ?`, instanceID,
	)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, notFound("instance", instanceID)
	}
	return snap, err
}

func (s *LibSQLStore) CompareAndSwap(ctx context.Context, instanceID string, expectedVersion int64, snap *schema.WorkflowSnapshot) error {
	variables, history, err := marshalSnapshotState(snap)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET active_role = ?, variables = ?, history = ?, hop_count = ?, version = ?, status = ?, updated_at = ?, expires_at = ?
		 WHERE instance_id = ? AND version = ?`,
		string(snap.ActiveRole), variables, history, snap.HopCount, snap.Version,
		string(snap.Status), timeOrNow(snap.UpdatedAt), snap.ExpiresAt,
		instanceID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a version race.
		var actual int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM snapshots WHERE instance_id = ?`, instanceID,
		).Scan(&actual)
		if err == sql.ErrNoRows {
			return notFound("instance", instanceID)
		}
		if err != nil {
			return err
		}
		return casConflict("instance", instanceID, expectedVersion, actual)
	}
	return nil
}

func (s *LibSQLStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*schema.WorkflowSnapshot, error) {
	query := `SELECT instance_id, workflow_type, active_role, variables, history, hop_count, version, status, created_at, updated_at, expires_at FROM snapshots`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowType != "" {
		where = append(where, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY instance_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*schema.WorkflowSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *LibSQLStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET status = ?, version = version + 1, updated_at = ?
		 WHERE status = ? AND expires_at < ?`,
		string(schema.StatusExpired), olderThan, string(schema.StatusActive), olderThan,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Review items ---

func (s *LibSQLStore) CreateItem(ctx context.Context, item *schema.ReviewItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_items (item_id, owner_id, repetition, ease_factor, interval_days, next_review_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ItemID, item.OwnerID, item.Repetition, item.EaseFactor,
		item.IntervalDays, item.NextReviewAt, item.Version,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "item %q already exists", item.ItemID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetItem(ctx context.Context, itemID string) (*schema.ReviewItem, error) {
	item := &schema.ReviewItem{}
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, owner_id, repetition, ease_factor, interval_days, next_review_at, version
		 FROM review_items WHERE item_id = ?`, itemID,
	).Scan(&item.ItemID, &item.OwnerID, &item.Repetition, &item.EaseFactor,
		&item.IntervalDays, &item.NextReviewAt, &item.Version)
	if err == sql.ErrNoRows {
		return nil, notFound("item", itemID)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *LibSQLStore) CompareAndSwapItem(ctx context.Context, itemID string, expectedVersion int64, item *schema.ReviewItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET repetition = ?, ease_factor = ?, interval_days = ?, next_review_at = ?, version = ?
		 WHERE item_id = ? AND version = ?`,
		item.Repetition, item.EaseFactor, item.IntervalDays, item.NextReviewAt, item.Version,
		itemID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var actual int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM review_items WHERE item_id = ?`, itemID,
		).Scan(&actual)
		if err == sql.ErrNoRows {
			return notFound("item", itemID)
		}
		if err != nil {
			return err
		}
		return casConflict("item", itemID, expectedVersion, actual)
	}
	return nil
}

func (s *LibSQLStore) ListDueItems(ctx context.Context, ownerID string, now time.Time) ([]*schema.ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, owner_id, repetition, ease_factor, interval_days, next_review_at, version
		 FROM review_items WHERE owner_id = ? AND next_review_at <= ?
		 ORDER BY next_review_at ASC, item_id ASC`,
		ownerID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*schema.ReviewItem
	for rows.Next() {
		item := &schema.ReviewItem{}
		if err := rows.Scan(&item.ItemID, &item.OwnerID, &item.Repetition, &item.EaseFactor,
			&item.IntervalDays, &item.NextReviewAt, &item.Version); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *LibSQLStore) ListOwnersWithDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT owner_id FROM review_items WHERE next_review_at <= ? ORDER BY owner_id`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// --- Review log ---

func (s *LibSQLStore) AppendReviewLog(ctx context.Context, entry *schema.ReviewLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this item.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM review_log WHERE item_id = ?`, entry.ItemID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO review_log (id, item_id, owner_id, reviewed_at, quality, ease_factor_after, interval_days_after, repetition_after, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ItemID, entry.OwnerID, timeOrNow(entry.ReviewedAt), entry.Quality,
		entry.EaseFactorAfter, entry.IntervalDaysAfter, entry.RepetitionAfter, seq,
	)
	if err != nil {
		return fmt.Errorf("insert review log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review log: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListReviewLog(ctx context.Context, itemID string) ([]*schema.ReviewLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, owner_id, reviewed_at, quality, ease_factor_after, interval_days_after, repetition_after, sequence
		 FROM review_log WHERE item_id = ? ORDER BY sequence ASC`, itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*schema.ReviewLogEntry
	for rows.Next() {
		e := &schema.ReviewLogEntry{}
		if err := rows.Scan(&e.ID, &e.ItemID, &e.OwnerID, &e.ReviewedAt, &e.Quality,
			&e.EaseFactorAfter, &e.IntervalDaysAfter, &e.RepetitionAfter, &e.Sequence); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*schema.WorkflowSnapshot, error) {
	snap := &schema.WorkflowSnapshot{}
	var role, status, variablesJSON, historyJSON string
	if err := row.Scan(&snap.InstanceID, &snap.WorkflowType, &role, &variablesJSON, &historyJSON,
		&snap.HopCount, &snap.Version, &status, &snap.CreatedAt, &snap.UpdatedAt, &snap.ExpiresAt); err != nil {
		return nil, err
	}
	snap.ActiveRole = schema.Role(role)
	snap.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(variablesJSON), &snap.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &snap.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return snap, nil
}

func marshalSnapshotState(snap *schema.WorkflowSnapshot) (variables, history string, err error) {
	v := snap.Variables
	if v == nil {
		v = map[string]any{}
	}
	rawVars, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("marshal variables: %w", err)
	}
	h := snap.History
	if h == nil {
		h = []schema.Message{}
	}
	rawHist, err := json.Marshal(h)
	if err != nil {
		return "", "", fmt.Errorf("marshal history: %w", err)
	}
	return string(rawVars), string(rawHist), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
