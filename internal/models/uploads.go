package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindTabular      Kind = "tabular"
	KindImage        Kind = "image"
	KindImageDataset Kind = "image_dataset"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTabular, KindImage, KindImageDataset:
		return true
	}
	return false
}

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPendingDataUpload Status = "PENDING_DATA_UPLOAD"
	StatusSuccess           Status = "SUCCESS"
	StatusFailure           Status = "FAILURE"
	StatusDataPrepComplete  Status = "DATA_PREP_COMPLETE"
	StatusDataPrepFailed    Status = "DATA_PREP_FAILED"
)

// ParseStatus rejects anything outside the enumerated ledger states.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusPendingDataUpload, StatusSuccess, StatusFailure,
		StatusDataPrepComplete, StatusDataPrepFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown upload status %q", s)
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusDataPrepComplete, StatusDataPrepFailed:
		return true
	}
	return false
}

// HasResult reports whether records in this status carry a result payload.
func (s Status) HasResult() bool {
	return s == StatusSuccess || s == StatusDataPrepComplete
}

// HasError reports whether records in this status carry an error description.
func (s Status) HasError() bool {
	return s == StatusFailure || s == StatusDataPrepFailed
}

// Predecessors lists the statuses a record may be in before moving to s.
// A terminal status may be rewritten with itself so re-running a task is safe.
func (s Status) Predecessors() []Status {
	switch s {
	case StatusSuccess, StatusFailure:
		return []Status{StatusPending, s}
	case StatusDataPrepComplete, StatusDataPrepFailed:
		return []Status{StatusPendingDataUpload, s}
	}
	return nil
}

func CanTransition(from, to Status) bool {
	for _, p := range to.Predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// InitialStatus is the status an upload of the given kind is created with.
func InitialStatus(k Kind) Status {
	if k == KindImageDataset {
		return StatusPendingDataUpload
	}
	return StatusPending
}

// FailureStatus is the terminal failure status for the given kind.
func FailureStatus(k Kind) Status {
	if k == KindImageDataset {
		return StatusDataPrepFailed
	}
	return StatusFailure
}

type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type UploadRecord struct {
	ID         int64           `json:"id" db:"id"`
	Filename   string          `json:"filename" db:"filename"`
	Size       int64           `json:"file_size" db:"file_size"`
	Kind       Kind            `json:"kind" db:"kind"`
	Status     Status          `json:"status" db:"status"`
	StorageKey string          `json:"storage_key,omitempty" db:"storage_key"`
	Result     json.RawMessage `json:"result,omitempty" db:"-"`
	Error      *ErrorInfo      `json:"error,omitempty" db:"-"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Stats maps metric names to plain numeric values.
type Stats map[string]float64

type Classification struct {
	Label      string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

type DatasetResult struct {
	Category string `json:"category"`
	Prefix   string `json:"prefix"`
	Files    int    `json:"files"`
	// TrainableFiles counts images under a train/{good|defect} folder.
	TrainableFiles int `json:"trainable_files"`
}
