package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound          = errors.New("upload record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository is the upload ledger. GetByID returns (nil, nil) for unknown ids.
type Repository interface {
	Create(ctx context.Context, rec *models.UploadRecord) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.UploadRecord, error)
	UpdateSize(ctx context.Context, id int64, size int64) error
	Complete(ctx context.Context, id int64, status models.Status, result any) error
	Fail(ctx context.Context, id int64, status models.Status, info models.ErrorInfo) error
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.UploadRecord, error)
}

type repository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type uploadRow struct {
	ID         int64          `db:"id"`
	Filename   string         `db:"filename"`
	Size       int64          `db:"file_size"`
	Kind       string         `db:"kind"`
	Status     string         `db:"status"`
	StorageKey string         `db:"storage_key"`
	Result     sql.NullString `db:"result"`
	Error      sql.NullString `db:"error"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r uploadRow) toModel() (*models.UploadRecord, error) {
	status, err := models.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", r.ID, err)
	}
	rec := &models.UploadRecord{
		ID:         r.ID,
		Filename:   r.Filename,
		Size:       r.Size,
		Kind:       models.Kind(r.Kind),
		Status:     status,
		StorageKey: r.StorageKey,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Result.Valid && r.Result.String != "" {
		rec.Result = json.RawMessage(r.Result.String)
	}
	if r.Error.Valid && r.Error.String != "" {
		var info models.ErrorInfo
		if err := json.Unmarshal([]byte(r.Error.String), &info); err != nil {
			return nil, fmt.Errorf("record %d: decode error column: %w", r.ID, err)
		}
		rec.Error = &info
	}
	return rec, nil
}

const selectColumns = `id, filename, file_size, kind, status, storage_key, result, error, created_at, updated_at`

func (r *repository) Create(ctx context.Context, rec *models.UploadRecord) (int64, error) {
	if !rec.Kind.Valid() {
		return 0, fmt.Errorf("invalid upload kind %q", rec.Kind)
	}
	if rec.Status == "" {
		rec.Status = models.InitialStatus(rec.Kind)
	}
	if rec.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: records start in a pending status, got %s", ErrInvalidTransition, rec.Status)
	}

	now := r.now()
	query := `
		INSERT INTO uploads (filename, file_size, kind, status, storage_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		rec.Filename,
		rec.Size,
		string(rec.Kind),
		string(rec.Status),
		rec.StorageKey,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert upload: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return id, nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*models.UploadRecord, error) {
	var row uploadRow
	query := `SELECT ` + selectColumns + ` FROM uploads WHERE id = ?`

	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (r *repository) UpdateSize(ctx context.Context, id int64, size int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE uploads SET file_size = ?, updated_at = ? WHERE id = ?`,
		size, r.now(), id)
	if err != nil {
		return fmt.Errorf("update size: %w", err)
	}
	return r.expectOne(ctx, res, id, "")
}

// Complete moves a record to a success status and stores its result, clearing
// any previous error. The write is last-write-wins among allowed transitions.
func (r *repository) Complete(ctx context.Context, id int64, status models.Status, result any) error {
	if !status.HasResult() {
		return fmt.Errorf("%w: %s does not carry a result", ErrInvalidTransition, status)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return r.transition(ctx, id, status, sql.NullString{String: string(payload), Valid: true}, sql.NullString{})
}

// Fail moves a record to a failure status with a structured error description.
func (r *repository) Fail(ctx context.Context, id int64, status models.Status, info models.ErrorInfo) error {
	if !status.HasError() {
		return fmt.Errorf("%w: %s does not carry an error", ErrInvalidTransition, status)
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode error info: %w", err)
	}
	return r.transition(ctx, id, status, sql.NullString{}, sql.NullString{String: string(payload), Valid: true})
}

func (r *repository) transition(ctx context.Context, id int64, to models.Status, result, errInfo sql.NullString) error {
	from := to.Predecessors()
	query, args, err := sqlx.In(
		`UPDATE uploads SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (?)`,
		string(to), result, errInfo, r.now(), id, statusStrings(from))
	if err != nil {
		return fmt.Errorf("build transition query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return r.expectOne(ctx, res, id, to)
}

// expectOne distinguishes a missing record from a rejected transition when an
// update touched no rows.
func (r *repository) expectOne(ctx context.Context, res sql.Result, id int64, to models.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s -> %s (id=%d)", ErrInvalidTransition, current.Status, to, id)
}

func (r *repository) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.UploadRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []uploadRow
	query := `SELECT ` + selectColumns + ` FROM uploads WHERE status = ? ORDER BY id LIMIT ?`
	if err := r.db.SelectContext(ctx, &rows, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}

	out := make([]models.UploadRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
