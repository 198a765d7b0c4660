package models

import (
	"io"
	"time"
)

type UploadRequest struct {
	File        io.Reader
	Size        int64
	Filename    string
	ContentType string
}

type UploadResponse struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

type ImageResponse struct {
	ID int64 `json:"id"`
	Classification
}

type TrainingRequest struct {
	Category string `json:"category"`
}

type TaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ChatRequest struct {
	Query string `json:"query"`
}

type ChatResponse struct {
	Answer string `json:"answer"`
	Source string `json:"source"`
}

type ModelReloadResponse struct {
	Synced    int    `json:"synced"`
	Loaded    bool   `json:"loaded"`
	ModelPath string `json:"model_path,omitempty"`
}
