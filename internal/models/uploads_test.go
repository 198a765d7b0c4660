package models

import "testing"

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"PENDING", "PENDING_DATA_UPLOAD", "SUCCESS", "FAILURE", "DATA_PREP_COMPLETE", "DATA_PREP_FAILED"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) unexpected error: %v", s, err)
		}
	}
	for _, s := range []string{"", "pending", "RUNNING", "DONE"} {
		if _, err := ParseStatus(s); err == nil {
			t.Errorf("ParseStatus(%q) expected error", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSuccess, true},
		{StatusPending, StatusFailure, true},
		{StatusSuccess, StatusSuccess, true},
		{StatusFailure, StatusSuccess, false},
		{StatusSuccess, StatusPending, false},
		{StatusPendingDataUpload, StatusDataPrepComplete, true},
		{StatusPendingDataUpload, StatusSuccess, false},
		{StatusDataPrepComplete, StatusDataPrepFailed, false},
		{StatusPending, StatusDataPrepComplete, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestResultAndErrorStatusesAreDisjoint(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusPendingDataUpload, StatusSuccess, StatusFailure, StatusDataPrepComplete, StatusDataPrepFailed} {
		if s.HasResult() && s.HasError() {
			t.Errorf("%s carries both a result and an error", s)
		}
		if (s.HasResult() || s.HasError()) != s.IsTerminal() {
			t.Errorf("%s: terminal statuses must carry a result or an error", s)
		}
	}
}
