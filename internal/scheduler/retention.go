package scheduler

import (
	"log/slog"
	"sort"
	"time"
)

// DefaultRetentionSchedule runs the sweep once a day at 03:17.
const DefaultRetentionSchedule = "17 3 * * *"

// DefaultRetention is how long dedup and outbox bookkeeping is kept.
const DefaultRetention = 7 * 24 * time.Hour

// PruneFunc deletes rows older than before and reports how many it removed.
type PruneFunc func(before time.Time) (int, error)

// RetentionJob prunes transient channel bookkeeping. Conversations themselves
// are never pruned.
type RetentionJob struct {
	maxAge  time.Duration
	targets map[string]PruneFunc
	now     func() time.Time
}

// NewRetentionJob creates a sweep that keeps maxAge worth of rows in each target.
func NewRetentionJob(maxAge time.Duration, targets map[string]PruneFunc) *RetentionJob {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	return &RetentionJob{maxAge: maxAge, targets: targets, now: time.Now}
}

// Run prunes every target once. Failures are logged and do not stop the
// remaining targets. It returns the number of rows removed per target.
func (j *RetentionJob) Run() map[string]int {
	cutoff := j.now().Add(-j.maxAge)
	names := make([]string, 0, len(j.targets))
	for name := range j.targets {
		names = append(names, name)
	}
	sort.Strings(names)

	removed := make(map[string]int, len(names))
	for _, name := range names {
		n, err := j.targets[name](cutoff)
		if err != nil {
			slog.Error("RetentionJob.Run: prune failed", "target", name, "error", err)
			continue
		}
		removed[name] = n
		if n > 0 {
			slog.Info("RetentionJob.Run: pruned rows", "target", name, "count", n, "cutoff", cutoff)
		}
	}
	return removed
}

// Schedule registers the job on s.
func (j *RetentionJob) Schedule(s *Scheduler, expr string) error {
	if expr == "" {
		expr = DefaultRetentionSchedule
	}
	return s.AddJob(expr, func() { j.Run() })
}
