package mqtt

import (
	"sync"
	"time"
)

// UsageSnapshot is the day's activity as published to the stats topic.
type UsageSnapshot struct {
	Date         string `json:"date"`
	Turns        int64  `json:"turns"`
	ModelCalls   int64  `json:"model_calls"`
	ToolCalls    int64  `json:"tool_calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Reservations int64  `json:"reservations"`
}

// DailyUsage accumulates activity counters that reset at local midnight.
// It is safe for concurrent use.
type DailyUsage struct {
	mu   sync.Mutex
	snap UsageSnapshot
	loc  *time.Location
	now  func() time.Time
}

// NewDailyUsage creates a counter that rolls over at midnight in loc. If
// loc is nil, [time.Local] is used.
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.snap.Date = d.today()
	return d
}

func (d *DailyUsage) today() string {
	return d.now().In(d.loc).Format("2006-01-02")
}

// OnTurn records a completed chat turn.
func (d *DailyUsage) OnTurn(modelCalls, toolCalls, inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.snap.Turns++
	d.snap.ModelCalls += int64(modelCalls)
	d.snap.ToolCalls += int64(toolCalls)
	d.snap.InputTokens += int64(inputTokens)
	d.snap.OutputTokens += int64(outputTokens)
}

// OnReservation records a confirmed reservation.
func (d *DailyUsage) OnReservation() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.snap.Reservations++
}

// Snapshot returns the current totals after checking for rollover.
func (d *DailyUsage) Snapshot() UsageSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.snap
}

// maybeReset zeroes the counters when the local date has changed. Must be
// called with d.mu held.
func (d *DailyUsage) maybeReset() {
	if today := d.today(); today != d.snap.Date {
		d.snap = UsageSnapshot{Date: today}
	}
}
