package core

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusActive TaskStatus = "active"
	TaskStatusPaused TaskStatus = "paused"
)

// Interval is the recurrence unit of a task's schedule.
type Interval string

const (
	IntervalMinutes Interval = "minutes"
	IntervalHours   Interval = "hours"
	IntervalDays    Interval = "days"
	IntervalWeeks   Interval = "weeks"
	IntervalMonths  Interval = "months"
	IntervalYears   Interval = "years"
)

// ParseInterval normalizes a textual recurrence unit.
func ParseInterval(s string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(s))) {
	case IntervalMinutes:
		return IntervalMinutes, nil
	case IntervalHours:
		return IntervalHours, nil
	case IntervalDays:
		return IntervalDays, nil
	case IntervalWeeks:
		return IntervalWeeks, nil
	case IntervalMonths:
		return IntervalMonths, nil
	case IntervalYears:
		return IntervalYears, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownInterval, s)
}

// Outcome is one entry of a task's rolling execution history.
type Outcome string

const (
	OutcomeSuccess Outcome = "1"
	OutcomeFailure Outcome = "0"
	OutcomeUnset   Outcome = "-"
)

// HistorySize is the fixed length of the rolling execution history.
const HistorySize = 5

// History holds the outcomes of the last five runs, most recent first.
type History [HistorySize]Outcome

// NewHistory returns a history with all slots unset.
func NewHistory() History {
	var h History
	for i := range h {
		h[i] = OutcomeUnset
	}
	return h
}

// Push inserts the outcome at the front and drops the oldest entry.
func (h *History) Push(o Outcome) {
	copy(h[1:], h[:HistorySize-1])
	h[0] = o
}

// String renders the history in its stored form, e.g. "1|0|-|-|-".
func (h History) String() string {
	parts := make([]string, 0, HistorySize)
	for _, o := range h {
		parts = append(parts, string(o))
	}
	return strings.Join(parts, "|")
}

// ParseHistory reads a stored history string. Missing or extra entries are
// tolerated: the result always has exactly HistorySize slots.
func ParseHistory(s string) History {
	h := NewHistory()
	if strings.TrimSpace(s) == "" {
		return h
	}
	parts := strings.Split(s, "|")
	for i := 0; i < HistorySize && i < len(parts); i++ {
		switch Outcome(parts[i]) {
		case OutcomeSuccess:
			h[i] = OutcomeSuccess
		case OutcomeFailure:
			h[i] = OutcomeFailure
		default:
			h[i] = OutcomeUnset
		}
	}
	return h
}

// Task represents a registered script with a recurrence schedule and the
// bookkeeping of its past executions.
type Task struct {
	ID             string
	ProjectName    string
	ProjectPath    string
	EntryModule    string
	NextRun        time.Time
	Interval       Interval
	SkipIntervals  int
	Status         TaskStatus
	StatusChangeAt *time.Time
	NotifyOnRun    bool
	CreatedAt      time.Time
	LastRun        *time.Time
	RunCount       int
	LastExecSecs   *float64
	AvgExecSecs    *float64
	History        History
	LastNote       string
}

// DisplayName returns the project name, falling back to the entry module.
func (t *Task) DisplayName() string {
	if t.ProjectName != "" {
		return t.ProjectName
	}
	return t.EntryModule
}

// RunResult carries the captured streams and timing of one completed run.
type RunResult struct {
	Stdout   string
	Stderr   string
	Duration float64 // seconds, rounded to millisecond precision
}

// Succeeded reports whether the run is recorded as a success. Per the
// runner contract the error text is empty exactly when the process (or its
// retry) exited zero.
func (r RunResult) Succeeded() bool {
	return r.Stderr == ""
}
