package app

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/cache"
	"github.com/BerylCAtieno/upload-insights-api/internal/config"
	"github.com/BerylCAtieno/upload-insights-api/internal/db"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/storage"
	"github.com/BerylCAtieno/upload-insights-api/internal/tasks"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
	"github.com/BerylCAtieno/upload-insights-api/internal/vision"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestApp(t *testing.T) (*Application, *httptest.Server) {
	t.Helper()
	logger := utils.Discard()
	dir := t.TempDir()

	cfg := &config.Config{
		ServiceName:          "test",
		StorageBackend:       "local",
		UploadsFolder:        "uploads",
		TrainingDataFolder:   "training_data",
		ModelsFolder:         "models",
		CacheTTLSeconds:      3600,
		MaxRetries:           2,
		BackoffPolicy:        "fixed",
		RetryDelaySeconds:    1,
		RetryMaxDelaySeconds: 1,
		TaskTimeoutSeconds:   60,
		WorkerConcurrency:    1,
		PollIntervalMillis:   10,
		ModelDir:             filepath.Join(dir, "models"),
		ImageSize:            32,
		MaxTrainingSamples:   50,
		TabularChunkRows:     2,
		MaxUploadSize:        10 << 20,
		MaxImageSize:         1 << 20,
	}

	dbFile := filepath.Join(dir, "ledger.db")
	if err := db.RunMigrations(dbFile); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	database, err := db.NewSQLiteDB(dbFile)
	if err != nil {
		t.Fatal(err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"), logger)
	if err != nil {
		t.Fatal(err)
	}

	application := Assemble(cfg, logger, database, rdb, store, nil)
	t.Cleanup(func() { _ = application.Close(context.Background()) })

	srv := httptest.NewServer(application.Handler())
	t.Cleanup(srv.Close)
	return application, srv
}

func postFile(t *testing.T, url, filename string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func processOne(t *testing.T, application *Application) {
	t.Helper()
	ok, err := application.Runner("test-worker").ProcessNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected a task to run, ok=%v err=%v", ok, err)
	}
}

func getUpload(t *testing.T, srv *httptest.Server, id int64) models.UploadRecord {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/uploads/%d", srv.URL, id))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET upload %d: %d", id, resp.StatusCode)
	}
	var rec models.UploadRecord
	decode(t, resp, &rec)
	return rec
}

func TestTabularUploadIsAnalysedInBackground(t *testing.T) {
	application, srv := newTestApp(t)
	csv := "InvoiceNo,CustomerID,Quantity,UnitPrice\nA1,1,10,2.5\nA1,1,2,1\nA2,2,5,3\n"

	resp := postFile(t, srv.URL+"/api/v1/uploads/tabular", "sales.csv", []byte(csv))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted models.UploadResponse
	decode(t, resp, &accepted)

	if rec := getUpload(t, srv, accepted.ID); rec.Status != models.StatusPending {
		t.Fatalf("expected PENDING before processing, got %s", rec.Status)
	}

	processOne(t, application)

	rec := getUpload(t, srv, accepted.ID)
	if rec.Status != models.StatusSuccess || rec.Size != int64(len(csv)) {
		t.Fatalf("unexpected record %+v", rec)
	}
	var stats models.Stats
	if err := json.Unmarshal(rec.Result, &stats); err != nil {
		t.Fatal(err)
	}
	if stats["total_revenue"] != 42 || stats["num_invoices"] != 2 || stats["num_customers"] != 2 {
		t.Fatalf("unexpected stats %v", stats)
	}

	chat, err := http.Post(srv.URL+"/api/v1/chat", "application/json", strings.NewReader(`{"query":"what is total_revenue?"}`))
	if err != nil {
		t.Fatal(err)
	}
	var answer models.ChatResponse
	decode(t, chat, &answer)
	if answer.Answer != "total_revenue is currently 42." {
		t.Fatalf("unexpected chat answer %+v", answer)
	}
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDatasetUploadChainsIntoTraining(t *testing.T) {
	ctx := context.Background()
	application, srv := newTestApp(t)

	green := color.RGBA{G: 220, A: 255}
	red := color.RGBA{R: 220, A: 255}
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	files := map[string][]byte{
		"train/good/1.png":   pngBytes(t, green),
		"train/good/2.png":   pngBytes(t, green),
		"train/defect/1.png": pngBytes(t, red),
	}
	for name, data := range files {
		w, _ := zw.Create(name)
		w.Write(data)
	}
	zw.Close()

	resp := postFile(t, srv.URL+"/api/v1/uploads/datasets", "bottle.zip", archive.Bytes())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted models.UploadResponse
	decode(t, resp, &accepted)

	// ingestion, then the training task it triggers
	processOne(t, application)
	if rec := getUpload(t, srv, accepted.ID); rec.Status != models.StatusDataPrepComplete {
		t.Fatalf("expected DATA_PREP_COMPLETE, got %+v", rec)
	}
	processOne(t, application)

	if ok, _ := application.Runner("test-worker").ProcessNext(ctx); ok {
		t.Fatal("expected exactly one training task")
	}

	var trained tasks.TrainingResult
	if !cache.GetJSON(ctx, application.Cache, application.Logger, cache.TrainingKey("bottle"), &trained) || trained.Status != "success" {
		t.Fatalf("training outcome missing: %+v", trained)
	}
	if trained.ModelKey != vision.ModelKey("models", "bottle") || trained.Samples != 3 {
		t.Fatalf("unexpected training result %+v", trained)
	}

	reload, err := http.Post(srv.URL+"/api/v1/models/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var reloaded models.ModelReloadResponse
	decode(t, reload, &reloaded)
	if !reloaded.Loaded || reloaded.Synced != 1 {
		t.Fatalf("unexpected reload response %+v", reloaded)
	}

	img := postFile(t, srv.URL+"/api/v1/uploads/images", "part.png", pngBytes(t, red))
	if img.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", img.StatusCode)
	}
	var classified models.ImageResponse
	decode(t, img, &classified)
	if classified.Label != "defect" || classified.Confidence <= 0 {
		t.Fatalf("unexpected classification %+v", classified)
	}
	if rec := getUpload(t, srv, classified.ID); rec.Status != models.StatusSuccess {
		t.Fatalf("image record should succeed, got %+v", rec)
	}
}

func TestImageUploadWithoutModelIsDegraded(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postFile(t, srv.URL+"/api/v1/uploads/images", "part.png", pngBytes(t, color.White))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var classified models.ImageResponse
	decode(t, resp, &classified)
	if classified.Label != "error" || classified.Confidence != 0 || classified.Error == "" {
		t.Fatalf("unexpected degraded response %+v", classified)
	}

	rec := getUpload(t, srv, classified.ID)
	if rec.Status != models.StatusFailure || rec.Error == nil || rec.Error.Type != string(utils.KindDegradedMode) {
		t.Fatalf("unexpected record %+v", rec)
	}

	bad := postFile(t, srv.URL+"/api/v1/uploads/images", "notes.png", []byte("not an image"))
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for undecodable image, got %d", bad.StatusCode)
	}
	bad.Body.Close()
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestApp(t)

	for _, path := range []string{"/api/v1/health", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/v1/tasks/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", resp.StatusCode)
	}
}

func TestTaskLeaseOutlivesTimeout(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{30 * time.Minute, 35 * time.Minute},
		{10 * time.Second, 10*time.Second + leaseGrace},
		{0, unboundedLease},
	}
	for _, tt := range tests {
		if got := taskLease(tt.timeout); got != tt.want {
			t.Errorf("taskLease(%s) = %s, want %s", tt.timeout, got, tt.want)
		}
	}
	if unboundedLease <= 30*time.Minute {
		t.Fatal("unbounded tasks must not fall back to the queue default lease")
	}
}
