package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/gorilla/mux"
)

// fakeUploads reads the streamed file like the real service would.
type fakeUploads struct {
	got      []byte
	filename string
	err      error
}

func (f *fakeUploads) consume(req *models.UploadRequest) error {
	f.filename = req.Filename
	b, err := io.ReadAll(req.File)
	f.got = b
	if err != nil {
		return err
	}
	return f.err
}

func (f *fakeUploads) UploadTabular(ctx context.Context, req *models.UploadRequest) (*models.UploadResponse, error) {
	if err := f.consume(req); err != nil {
		return nil, err
	}
	return &models.UploadResponse{ID: 1, Filename: req.Filename, Kind: models.KindTabular, Status: models.StatusPending, TaskID: "t-1"}, nil
}

func (f *fakeUploads) UploadDataset(ctx context.Context, req *models.UploadRequest) (*models.UploadResponse, error) {
	if err := f.consume(req); err != nil {
		return nil, err
	}
	return &models.UploadResponse{ID: 2, Filename: req.Filename, Kind: models.KindImageDataset, Status: models.StatusPendingDataUpload}, nil
}

func (f *fakeUploads) ClassifyImage(ctx context.Context, req *models.UploadRequest) (*models.ImageResponse, error) {
	if err := f.consume(req); err != nil {
		return nil, err
	}
	return &models.ImageResponse{ID: 3, Classification: models.Classification{Label: "normal", Confidence: 0.75}}, nil
}

func (f *fakeUploads) GetUpload(ctx context.Context, id int64) (*models.UploadRecord, error) {
	if id != 1 {
		return nil, utils.NewNotFoundError("Upload not found")
	}
	return &models.UploadRecord{ID: 1, Filename: "sales.csv", Status: models.StatusSuccess}, nil
}

func (f *fakeUploads) StartTraining(ctx context.Context, category string) (*models.TaskResponse, error) {
	if category == "" {
		return nil, utils.NewBadRequestError("A valid category is required")
	}
	return &models.TaskResponse{TaskID: "t-2", Status: "ENQUEUED"}, nil
}

func (f *fakeUploads) GetTask(ctx context.Context, id string) (*queue.Task, error) {
	return &queue.Task{ID: id, Type: queue.TypeModelTraining, State: queue.StateSucceeded}, nil
}

func (f *fakeUploads) ReloadModels(ctx context.Context) (*models.ModelReloadResponse, error) {
	return nil, utils.NewDegradedError("No image model could be loaded")
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %s", rec.Body.String())
	}
	return body["error"]
}

func TestUploadTabularStreamsFile(t *testing.T) {
	svc := &fakeUploads{}
	h := NewUploadHandler(svc, 1<<20, 1<<20, utils.Discard())

	body, ct := multipartBody(t, "file", "sales.csv", []byte("a,b\n1,2\n"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/tabular", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.UploadTabular(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(svc.got) != "a,b\n1,2\n" || svc.filename != "sales.csv" {
		t.Fatalf("service got %q from %q", svc.got, svc.filename)
	}
	var resp models.UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.TaskID != "t-1" || resp.Status != models.StatusPending {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}
}

func TestUploadRejectsBadForms(t *testing.T) {
	tests := []struct {
		name  string
		build func() (io.Reader, string)
		want  string
	}{
		{"not multipart", func() (io.Reader, string) { return strings.NewReader("{}"), "application/json" }, "Invalid form data"},
		{"no file part", func() (io.Reader, string) { return multipartBody(t, "other", "x.csv", []byte("x")) }, "No file provided"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewUploadHandler(&fakeUploads{}, 1<<20, 1<<20, utils.Discard())
			body, ct := tt.build()
			req := httptest.NewRequest(http.MethodPost, "/", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			h.UploadDataset(rec, req)

			if rec.Code != http.StatusBadRequest || decodeError(t, rec) != tt.want {
				t.Fatalf("expected 400 %q, got %d %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUploadImageSizeLimit(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4<<20)

	t.Run("announced length", func(t *testing.T) {
		h := NewUploadHandler(&fakeUploads{}, 0, 1<<20, utils.Discard())
		body, ct := multipartBody(t, "file", "big.png", data)
		req := httptest.NewRequest(http.MethodPost, "/", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		h.UploadImage(rec, req)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "File size exceeds 1MB limit" {
			t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("streamed body", func(t *testing.T) {
		svc := &fakeUploads{}
		h := NewUploadHandler(svc, 0, 1<<20, utils.Discard())
		body, ct := multipartBody(t, "file", "big.png", data)
		req := httptest.NewRequest(http.MethodPost, "/", body)
		req.ContentLength = -1
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		h.UploadImage(rec, req)
		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "File size exceeds 1MB limit" {
			t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
		}
		if len(svc.got) >= len(data) {
			t.Fatal("service should not receive the whole body")
		}
	})
}

func TestGetUploadParsesID(t *testing.T) {
	h := NewUploadHandler(&fakeUploads{}, 0, 0, utils.Discard())
	tests := []struct {
		id   string
		code int
	}{
		{"1", http.StatusOK},
		{"2", http.StatusNotFound},
		{"abc", http.StatusBadRequest},
		{"-4", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": tt.id})
		rec := httptest.NewRecorder()
		h.GetUpload(rec, req)
		if rec.Code != tt.code {
			t.Errorf("GetUpload(%s) = %d, want %d", tt.id, rec.Code, tt.code)
		}
	}
}

func TestStartTrainingDecodesBody(t *testing.T) {
	h := NewUploadHandler(&fakeUploads{}, 0, 0, utils.Discard())
	tests := []struct {
		body string
		code int
	}{
		{`{"category":"bottle"}`, http.StatusAccepted},
		{`{"category":""}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.StartTraining(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
		if rec.Code != tt.code {
			t.Errorf("StartTraining(%s) = %d, want %d", tt.body, rec.Code, tt.code)
		}
	}
}

func TestReloadModelsDegraded(t *testing.T) {
	h := NewUploadHandler(&fakeUploads{}, 0, 0, utils.Discard())
	rec := httptest.NewRecorder()
	h.ReloadModels(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

type fakeChat struct{}

func (fakeChat) Ask(ctx context.Context, query string) (*models.ChatResponse, error) {
	return &models.ChatResponse{Answer: "echo: " + query, Source: "llm"}, nil
}

func TestChatAsk(t *testing.T) {
	h := NewChatHandler(fakeChat{}, utils.Discard())

	rec := httptest.NewRecorder()
	h.Ask(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"hi"}`)))
	var resp models.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || rec.Code != http.StatusOK || resp.Answer != "echo: hi" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Ask(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
