package domain

import (
	"testing"
	"time"
)

func TestQuotaModeMapping(t *testing.T) {
	cases := []struct {
		mode JobMode
		want JobMode
	}{
		{JobModeSingle, JobModeSingle},
		{JobModeBatch, JobModeBatch},
		{JobModeFrame, JobModeFrame},
		{JobModeExtend, JobModeSingle},
		{JobModeReshoot, JobModeSingle},
	}
	for _, tc := range cases {
		if got := tc.mode.QuotaMode(); got != tc.want {
			t.Errorf("QuotaMode(%s) = %s, want %s", tc.mode, got, tc.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := map[JobState]bool{
		JobStateQueued:     false,
		JobStateSubmitting: false,
		JobStatePolling:    false,
		JobStateCompleted:  true,
		JobStateFailed:     true,
		JobStateCancelled:  true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", state, got, want)
		}
	}
}

func TestOperationSucceededRequiresArtifact(t *testing.T) {
	r := OperationResult{Status: OperationSuccess}
	if r.Succeeded() {
		t.Error("success status without an artifact counted as succeeded")
	}
	r.ArtifactURL = "https://cdn.example.com/a.mp4"
	if !r.Succeeded() {
		t.Error("success status with an artifact not counted as succeeded")
	}
	r.Status = OperationError
	if r.Succeeded() {
		t.Error("failed status counted as succeeded")
	}
}

func TestModelCatalogFallback(t *testing.T) {
	catalog := DefaultModelCatalog()

	relaxed, ok := catalog.Fallback("clip-fast")
	if !ok || relaxed.Key != "clip-relaxed" || relaxed.Metered {
		t.Fatalf("Fallback(clip-fast) = %+v %v, want unmetered clip-relaxed", relaxed, ok)
	}
	if _, ok := catalog.Fallback("clip-relaxed"); ok {
		t.Fatal("the relaxed variant has no further fallback")
	}
	if _, ok := catalog.Fallback("unknown"); ok {
		t.Fatal("unknown model must not resolve a fallback")
	}
}

func TestDayUTC(t *testing.T) {
	loc := time.FixedZone("UTC-7", -7*3600)
	// 21:30 local on March 2nd is already March 3rd in UTC.
	at := time.Date(2026, 3, 2, 21, 30, 0, 0, loc)
	if got := DayUTC(at); got != "2026-03-03" {
		t.Fatalf("DayUTC = %q, want 2026-03-03", got)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	job := &Job{
		ID:               "j-1",
		OperationHandles: []string{"op-1"},
		Results:          []OperationResult{{Handle: "op-1", Status: OperationActive}},
	}
	snap := job.Snapshot()
	job.Results[0].Status = OperationSuccess
	job.OperationHandles[0] = "mutated"

	if snap.Results[0].Status != OperationActive {
		t.Error("snapshot results share backing storage with the job")
	}
	if snap.OperationHandles[0] != "op-1" {
		t.Error("snapshot handles share backing storage with the job")
	}
}
