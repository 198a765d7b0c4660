package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/BerylCAtieno/upload-insights-api/internal/db"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "ledger.db")
	if err := db.RunMigrations(dbFile); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	conn, err := db.NewSQLiteDB(dbFile)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewRepository(conn)
}

func TestCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := &models.UploadRecord{Filename: "sales.csv", Kind: models.KindTabular, StorageKey: "uploads/sales.csv"}
	id, err := repo.Create(ctx, rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id <= 0 || rec.ID != id {
		t.Fatalf("expected positive id stored on record, got id=%d rec.ID=%d", id, rec.ID)
	}

	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Status != models.StatusPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
	if got.Size != 0 {
		t.Errorf("expected size 0 before streaming, got %d", got.Size)
	}
	if got.Result != nil || got.Error != nil {
		t.Errorf("fresh record should carry neither result nor error")
	}

	second, err := repo.Create(ctx, &models.UploadRecord{Filename: "cats.zip", Kind: models.KindImageDataset})
	if err != nil {
		t.Fatalf("Create dataset: %v", err)
	}
	if second <= id {
		t.Errorf("ids should increase: %d then %d", id, second)
	}
	ds, _ := repo.GetByID(ctx, second)
	if ds.Status != models.StatusPendingDataUpload {
		t.Errorf("dataset uploads start as PENDING_DATA_UPLOAD, got %s", ds.Status)
	}
}

func TestGetByIDMissing(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetByID(context.Background(), 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}
}

func TestCompleteStoresResult(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, _ := repo.Create(ctx, &models.UploadRecord{Filename: "sales.csv", Kind: models.KindTabular})
	if err := repo.UpdateSize(ctx, id, 2048); err != nil {
		t.Fatalf("UpdateSize: %v", err)
	}

	stats := models.Stats{"num_customers": 2, "total_revenue": 40}
	if err := repo.Complete(ctx, id, models.StatusSuccess, stats); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := repo.GetByID(ctx, id)
	if got.Status != models.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", got.Status)
	}
	if got.Size != 2048 {
		t.Errorf("expected size 2048, got %d", got.Size)
	}
	var decoded models.Stats
	if err := json.Unmarshal(got.Result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["total_revenue"] != 40 {
		t.Errorf("unexpected result %v", decoded)
	}

	// Re-running the same task rewrites the terminal state.
	if err := repo.Complete(ctx, id, models.StatusSuccess, models.Stats{"total_revenue": 41}); err != nil {
		t.Fatalf("repeat Complete should be allowed: %v", err)
	}
}

func TestFailStoresStructuredError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, _ := repo.Create(ctx, &models.UploadRecord{Filename: "cats.zip", Kind: models.KindImageDataset})
	info := models.ErrorInfo{Type: "invalid_input", Message: "not a zip archive"}
	if err := repo.Fail(ctx, id, models.StatusDataPrepFailed, info); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, _ := repo.GetByID(ctx, id)
	if got.Status != models.StatusDataPrepFailed {
		t.Fatalf("expected DATA_PREP_FAILED, got %s", got.Status)
	}
	if got.Error == nil || *got.Error != info {
		t.Fatalf("expected error %+v, got %+v", info, got.Error)
	}
	if got.Result != nil {
		t.Errorf("failed record should not carry a result")
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, _ := repo.Create(ctx, &models.UploadRecord{Filename: "sales.csv", Kind: models.KindTabular})
	if err := repo.Fail(ctx, id, models.StatusFailure, models.ErrorInfo{Type: "internal", Message: "boom"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	err := repo.Complete(ctx, id, models.StatusSuccess, models.Stats{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("FAILURE -> SUCCESS should be rejected, got %v", err)
	}

	err = repo.Complete(ctx, id, models.StatusDataPrepComplete, models.DatasetResult{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("tabular record cannot enter dataset states, got %v", err)
	}

	err = repo.Complete(ctx, 4242, models.StatusSuccess, models.Stats{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}

	err = repo.Complete(ctx, id, models.StatusFailure, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("FAILURE does not carry a result, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a, _ := repo.Create(ctx, &models.UploadRecord{Filename: "a.csv", Kind: models.KindTabular})
	b, _ := repo.Create(ctx, &models.UploadRecord{Filename: "b.csv", Kind: models.KindTabular})
	if err := repo.Complete(ctx, a, models.StatusSuccess, models.Stats{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	pending, err := repo.ListByStatus(ctx, models.StatusPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b {
		t.Fatalf("expected only record %d pending, got %+v", b, pending)
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Create(context.Background(), &models.UploadRecord{Filename: "x", Kind: "video"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
