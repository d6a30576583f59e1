package app

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

const (
	jobPurge = "ledger.purge"
	jobAudit = "queue.audit"

	purgeTimeout = 30 * time.Second
	auditTimeout = 30 * time.Second

	// An item due longer than this while the loop is running is reported.
	overdueGrace = time.Hour
)

type auditReport struct {
	ByStatus map[post.Status]int
	// Overdue lists queued items past due by more than overdueGrace while
	// the loop was running and not paused.
	Overdue []string
	// Stuck lists items left posting. The audit runs on the serial executor,
	// so no submission can be in progress while it looks.
	Stuck []string
	// MissingFiles lists attachment paths that are no longer on disk.
	MissingFiles []string
}

func (r auditReport) clean() bool {
	return len(r.Overdue) == 0 && len(r.Stuck) == 0 && len(r.MissingFiles) == 0
}

// auditQueue inspects a queue snapshot. stat reports a missing file with an
// error wrapping fs.ErrNotExist.
func auditQueue(items []post.Item, st post.SchedulerState, now time.Time, stat func(string) error) auditReport {
	r := auditReport{ByStatus: map[post.Status]int{}}
	active := st.IsRunning && !st.IsPaused
	for _, it := range items {
		r.ByStatus[it.Status]++
		switch it.Status {
		case post.StatusQueued:
			if active && now.Sub(it.EffectiveTime()) > overdueGrace {
				r.Overdue = append(r.Overdue, it.ID)
			}
		case post.StatusPosting:
			r.Stuck = append(r.Stuck, it.ID)
		}
		if it.Status != post.StatusQueued && it.Status != post.StatusFailed {
			continue
		}
		for _, a := range it.Attachments {
			if a.State == post.AttachmentUploaded {
				continue
			}
			if err := stat(a.Path); errors.Is(err, fs.ErrNotExist) {
				r.MissingFiles = append(r.MissingFiles, a.Path)
			}
		}
	}
	return r
}

func statFile(path string) error {
	_, err := os.Stat(path)
	return err
}

// registerMaintenance (re)registers the purge and audit jobs with mc's
// schedules. Jobs run on the executor between submissions.
func (a *App) registerMaintenance(mc maintenanceConfig) error {
	a.periodic.Remove(jobPurge)
	a.periodic.Remove(jobAudit)

	purgeAfter := mc.purgeAfter
	if err := a.periodic.AddSchedule(jobPurge, mc.purgeSchedule, purgeTimeout, func(ctx context.Context) error {
		return a.purgeLedger(ctx, purgeAfter)
	}); err != nil {
		return err
	}
	return a.periodic.AddSchedule(jobAudit, mc.auditSchedule, auditTimeout, a.runAudit)
}

func (a *App) purgeLedger(ctx context.Context, olderThan time.Duration) error {
	n, err := a.ledger.PurgeResolved(ctx, olderThan)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("purged resolved errors", logx.Int("count", n), logx.Duration("older_than", olderThan))
	}
	return nil
}

func (a *App) runAudit(ctx context.Context) error {
	items, err := a.sched.Items(ctx)
	if err != nil {
		return err
	}
	r := auditQueue(items, a.sched.State(), time.Now(), statFile)

	fields := []logx.Field{
		logx.Int("queued", r.ByStatus[post.StatusQueued]),
		logx.Int("posting", r.ByStatus[post.StatusPosting]),
		logx.Int("posted", r.ByStatus[post.StatusPosted]),
		logx.Int("failed", r.ByStatus[post.StatusFailed]),
	}
	if r.clean() {
		a.log.Debug("queue audit", fields...)
		return nil
	}
	fields = append(fields,
		logx.Strings("overdue", r.Overdue),
		logx.Strings("stuck", r.Stuck),
		logx.Strings("missing_files", r.MissingFiles),
	)
	a.log.Warn("queue audit found problems", fields...)
	return nil
}
