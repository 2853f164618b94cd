// Package chores runs the periodic verification work of the protocol:
// requesting SLIs for agreement periods that have ended.
package chores

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dsla/sla-engine/internal/messenger"
	"github.com/dsla/sla-engine/internal/metrics"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/protocol"
)

// Protocol is the subset of the SLA registry the chores drive.
type Protocol interface {
	DueVerifications(now time.Time) []protocol.Due
	RequestSLI(ctx context.Context, caller model.Address, id, periodID uint64) (messenger.Request, error)
}

// VerifyDue requests the SLI of every period that has ended and is next in
// line for verification. Account is credited as the verifier.
type VerifyDue struct {
	Protocol Protocol
	Account  model.Address
	Clock    func() time.Time
}

// Name identifies the job in logs.
func (j *VerifyDue) Name() string { return "verify-due" }

// Run issues one request per due period. Every due period is attempted;
// the returned error joins the failures.
func (j *VerifyDue) Run(ctx context.Context) (int, error) {
	now := time.Now
	if j.Clock != nil {
		now = j.Clock
	}

	var errs []error
	issued := 0
	for _, due := range j.Protocol.DueVerifications(now()) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		req, err := j.Protocol.RequestSLI(ctx, j.Account, due.AgreementID, due.PeriodID)
		if err != nil {
			slog.Warn("chore request failed",
				"agreement", due.AgreementID,
				"period", due.PeriodID,
				"err", err,
			)
			errs = append(errs, err)
			continue
		}
		issued++
		slog.Debug("chore requested sli", "agreement", due.AgreementID, "period", due.PeriodID, "request_id", req.RequestID)
	}
	return issued, errors.Join(errs...)
}

// Scheduler runs VerifyDue on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	job     *VerifyDue
	timeout time.Duration
}

// NewScheduler registers job under schedule, e.g. "@every 1m" or
// "*/5 * * * *".
func NewScheduler(schedule string, job *VerifyDue, timeout time.Duration) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		job:     job,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunNow); err != nil {
		return nil, err
	}
	slog.Info("chore registered", "job", job.Name(), "schedule", schedule)
	return s, nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// RunNow executes the job immediately (outside schedule).
func (s *Scheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	issued, err := s.job.Run(ctx)
	switch {
	case err != nil && issued == 0:
		metrics.ChoreRuns.WithLabelValues("failed").Inc()
		slog.Error("chore failed", "job", s.job.Name(), "err", err)
	case err != nil:
		metrics.ChoreRuns.WithLabelValues("partial").Inc()
		slog.Warn("chore partially failed", "job", s.job.Name(), "issued", issued, "err", err)
	default:
		metrics.ChoreRuns.WithLabelValues("ok").Inc()
		slog.Debug("chore completed", "job", s.job.Name(), "issued", issued)
	}
}
