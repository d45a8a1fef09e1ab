package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "slotwatch/pkg/logx"
)

type Config struct {
	Spec     string
	Timezone string
}

// Job is invoked on every tick with a context cancelled by Stop.
type Job func(ctx context.Context) error

type Service struct {
	cfg    Config
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	entry  cron.EntryID
	loc    *time.Location
	cancel context.CancelFunc

	ticks   atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if _, err := s.schedule(); err != nil {
		return nil, err
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) schedule() (cron.Schedule, error) {
	ps, err := ParseSchedule(s.cfg.Spec)
	if err != nil {
		return nil, err
	}
	sched, err := s.parser.Parse(ps.CronSpec())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start registers job and begins ticking. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	sched, err := s.schedule()
	if err != nil {
		return err
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}

	jctx, cancel := context.WithCancel(ctx)
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.entry = c.Schedule(sched, cron.FuncJob(func() { s.fire(jctx, job) }))
	s.c, s.loc, s.cancel = c, loc, cancel
	c.Start()

	fields := []logx.Field{logx.String("spec", s.cfg.Spec), logx.String("tz", loc.String())}
	if next := s.previewLocked(sched, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Info("scheduler started", fields...)
	return nil
}

func (s *Service) fire(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	n := s.ticks.Add(1)
	if err := job(ctx); err != nil {
		s.skipped.Add(1)
		s.log.Debug("scheduled trigger not started", logx.Uint64("tick", n), logx.Err(err))
		return
	}
	s.log.Debug("scheduled trigger started", logx.Uint64("tick", n))
}

// Stop halts ticking and waits for a running job to return, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Uint64("ticks", s.ticks.Load()), logx.Uint64("skipped", s.skipped.Load()))
}

// Next returns the next tick time, or zero when the scheduler is not running.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) Spec() string { return s.cfg.Spec }

// previewLocked lists the next n run times for the startup log line.
func (s *Service) previewLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

// cronLogger adapts logx to cron.Logger; cron's info chatter goes to trace.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
