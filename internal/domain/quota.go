package domain

import "time"

// QuotaKey identifies one usage counter: per user, per mode, per UTC day.
type QuotaKey struct {
	UserID string
	Mode   JobMode
	Day    string // YYYY-MM-DD in UTC
}

// DayUTC formats t as the quota day key. Counters conceptually reset at UTC
// day rollover; a record for a new day simply starts at zero.
func DayUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Allocation is the admin-set split of the fixed daily budget across the
// metered modes. The three buckets must always sum to the daily budget.
type Allocation struct {
	Single int `json:"single"`
	Batch  int `json:"batch"`
	Frame  int `json:"frame"`
}

// For returns the ceiling for a quota bucket.
func (a Allocation) For(mode JobMode) int {
	switch mode {
	case JobModeSingle:
		return a.Single
	case JobModeBatch:
		return a.Batch
	case JobModeFrame:
		return a.Frame
	}
	return 0
}

// Sum returns the total across all buckets.
func (a Allocation) Sum() int {
	return a.Single + a.Batch + a.Frame
}

// Reservation is a pending quota hold, committed only after the job produced
// a verified artifact. A released or forgotten reservation never counts.
type Reservation struct {
	ID     string
	Key    QuotaKey
	Amount int
}
