package core

import (
	"fmt"
	"math"
	"time"
)

// ApplyRunResult folds one completed run into the task's bookkeeping and
// returns the updated record. The input task is not modified.
//
// The steps run in a fixed order because later ones read fields written by
// earlier ones: next_run is advanced past now (catching up over any missed
// occurrences), last_run is set to now in UTC, run_count is incremented,
// last/avg execution times are updated, the rolling history gains an entry
// and last_note records the run's output.
func ApplyRunResult(task Task, res RunResult, now time.Time, loc *time.Location) (Task, error) {
	next, err := Advance(task.NextRun.In(loc), task.Interval, task.SkipIntervals, now.In(loc))
	if err != nil {
		return task, fmt.Errorf("advance next run for task %s: %w", task.ID, err)
	}
	task.NextRun = next

	lastRun := now.UTC()
	task.LastRun = &lastRun

	task.RunCount++

	lastExec := res.Duration
	task.LastExecSecs = &lastExec

	var prevAvg float64
	if task.AvgExecSecs != nil {
		prevAvg = *task.AvgExecSecs
	}
	avg := round3((prevAvg*float64(task.RunCount-1) + lastExec) / float64(task.RunCount))
	task.AvgExecSecs = &avg

	if res.Succeeded() {
		task.History.Push(OutcomeSuccess)
	} else {
		task.History.Push(OutcomeFailure)
	}

	if res.Stderr != "" {
		task.LastNote = res.Stderr
	} else {
		task.LastNote = res.Stdout
	}

	return task, nil
}

// round3 rounds to millisecond precision, matching the stored resolution of
// execution times.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
