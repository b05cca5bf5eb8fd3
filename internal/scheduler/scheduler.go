// Package scheduler starts recurring acquisitions from cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"marketcache/internal/acquire"
	"marketcache/internal/config"
	"marketcache/internal/domain"
)

// Starter launches acquisitions.
type Starter interface {
	Start(ctx context.Context, req acquire.Request) (string, error)
}

var _ Starter = (*acquire.Orchestrator)(nil)

// Job is a parsed schedule entry.
type Job struct {
	Name      string
	Spec      string
	Symbols   []string
	Timeframe domain.Timeframe
	Mode      domain.Mode
	Lookback  time.Duration
}

// ParseJob converts a configured job, checking its timeframe and mode.
func ParseJob(j config.ScheduleJob) (Job, error) {
	tf, err := domain.ParseTimeframe(j.Timeframe)
	if err != nil {
		return Job{}, fmt.Errorf("job %q: %w", j.Name, err)
	}
	mode, err := domain.ParseMode(j.Mode)
	if err != nil {
		return Job{}, fmt.Errorf("job %q: %w", j.Name, err)
	}
	if len(j.Symbols) == 0 {
		return Job{}, fmt.Errorf("job %q: %w: no symbols", j.Name, domain.ErrInvalidArgument)
	}
	return Job{Name: j.Name, Spec: j.Spec, Symbols: j.Symbols, Timeframe: tf, Mode: mode, Lookback: j.Lookback}, nil
}

// Scheduler manages the cron entries.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	ctx     context.Context
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Scheduler evaluating specs (six fields, with seconds) in loc.
// ctx bounds the Start calls made by fired jobs.
func New(ctx context.Context, starter Starter, loc *time.Location, log *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		starter: starter,
		ctx:     ctx,
		log:     log.With("component", "scheduler"),
		now:     time.Now,
	}
}

// Register parses and adds every job. Nothing is added if any job is
// invalid.
func (s *Scheduler) Register(jobs []config.ScheduleJob) error {
	parsed := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		job, err := ParseJob(j)
		if err != nil {
			return err
		}
		if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(job.Spec); err != nil {
			return fmt.Errorf("job %q: invalid spec %q: %w", job.Name, job.Spec, err)
		}
		parsed = append(parsed, job)
	}
	for _, job := range parsed {
		if _, err := s.cron.AddFunc(job.Spec, func() { s.RunJob(job) }); err != nil {
			return fmt.Errorf("register job %q: %w", job.Name, err)
		}
		s.log.Info("job registered", "job", job.Name, "spec", job.Spec, "symbols", len(job.Symbols),
			"timeframe", job.Timeframe, "mode", job.Mode)
	}
	return nil
}

// RunJob starts one acquisition per symbol and returns the operation IDs
// that were created. Symbols whose key is busy are skipped.
func (s *Scheduler) RunJob(job Job) []string {
	s.log.Info("running job", "job", job.Name)
	var start time.Time
	if job.Lookback > 0 {
		start = s.now().UTC().Add(-job.Lookback)
	}

	var ids []string
	for _, sym := range job.Symbols {
		id, err := s.starter.Start(s.ctx, acquire.Request{
			Symbol:    sym,
			Timeframe: job.Timeframe,
			Mode:      job.Mode,
			Start:     start,
		})
		switch {
		case err == nil:
			ids = append(ids, id)
		case errors.Is(err, domain.ErrKeyBusy):
			s.log.Info("skipping busy key", "job", job.Name, "symbol", sym, "timeframe", job.Timeframe)
		default:
			s.log.Warn("starting scheduled acquisition", "job", job.Name, "symbol", sym, "error", err)
		}
	}
	return ids
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// Start starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the cron scheduler and returns a context that is done once
// running jobs have returned.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.log.Info("scheduler stopped")
	return ctx
}
