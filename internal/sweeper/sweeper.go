// Package sweeper periodically re-verifies subscriber membership and sends a
// one-shot notice to subscribers who lost it.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"stockbot/internal/delivery"
	"stockbot/internal/eventbus"
	"stockbot/internal/metrics"
	"stockbot/internal/subscriber"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

// DefaultCheckDelay spaces successive membership checks.
const DefaultCheckDelay = 50 * time.Millisecond

var ErrRunning = errors.New("sweep already running")

type State uint32

const (
	StateSleeping State = iota
	StateChecking
	StateNotifying
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateNotifying:
		return "notifying"
	default:
		return "sleeping"
	}
}

// Notifier sends the unsubscribed notice through the delivery path.
type Notifier interface {
	Send(ctx context.Context, to int64, m delivery.Message) delivery.Outcome
	Renderer() *delivery.Renderer
}

type Config struct {
	GroupID    int64
	Schedule   string
	Location   *time.Location
	CheckDelay time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Checked      int
	Subscribed   int
	Exempt       int
	Lost         int // raw true -> false
	Regained     int // raw false -> true
	CheckErrors  int
	StoreErrors  int
	Notified     int
	NotifyFailed int
	StartedAt    time.Time
	Took         time.Duration
}

type Sweeper struct {
	dir      subscriber.Directory
	members  transport.MembershipChecker
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger

	cfg     Config
	state   atomic.Uint32
	running atomic.Bool

	mu   sync.Mutex
	c    *cron.Cron
	last Report
}

func New(dir subscriber.Directory, members transport.MembershipChecker, n Notifier, cfg Config, bus eventbus.Bus, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.CheckDelay <= 0 {
		cfg.CheckDelay = DefaultCheckDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Sweeper{
		dir:      dir,
		members:  members,
		notifier: n,
		bus:      bus,
		log:      log.With(logx.String("comp", "sweeper")),
		cfg:      cfg,
	}
}

func (s *Sweeper) State() State { return State(s.state.Load()) }

// Last returns the report of the most recent completed sweep.
func (s *Sweeper) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start schedules sweeps until Stop. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	sch, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(sch, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrRunning) {
			s.log.Error("scheduled sweep failed", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c
	s.log.Info("sweeper started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", s.cfg.Location.String()))
	return nil
}

// Stop halts scheduling and waits for a running sweep or ctx, whichever is first.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}

// Verify runs one sweep on demand.
func (s *Sweeper) Verify(ctx context.Context) (Report, error) { return s.Sweep(ctx) }

// Sweep checks every subscriber, stores the raw membership for all of them,
// then notifies those who lost membership and are not exempt.
// One subscriber's failure never stops the others.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.Sweeps.WithLabelValues("skipped").Inc()
		return Report{}, ErrRunning
	}
	defer s.running.Store(false)
	defer s.state.Store(uint32(StateSleeping))

	rep := Report{StartedAt: time.Now()}
	subs, err := s.dir.Subscribers(ctx)
	if err != nil {
		metrics.Sweeps.WithLabelValues("error").Inc()
		s.publish(eventbus.TypeSweepFailed, err)
		return rep, fmt.Errorf("list subscribers: %w", err)
	}

	s.state.Store(uint32(StateChecking))
	lim := rate.NewLimiter(rate.Every(s.cfg.CheckDelay), 1)
	var pending []subscriber.Subscriber
	for _, sub := range subs {
		if err := lim.Wait(ctx); err != nil {
			metrics.Sweeps.WithLabelValues("error").Inc()
			return rep, fmt.Errorf("sweep interrupted: %w", err)
		}
		rep.Checked++
		member, err := s.members.IsMember(ctx, s.cfg.GroupID, int64(sub.ID))
		if err != nil {
			rep.CheckErrors++
			metrics.MembershipCheckErrors.Inc()
			s.log.Warn("membership check failed, treating as not subscribed",
				logx.Int64("user", int64(sub.ID)), logx.Err(err))
			member = false
		}
		if member {
			rep.Subscribed++
		}
		if sub.Exempt {
			rep.Exempt++
		}
		if err := s.dir.SetSubscribed(ctx, sub.ID, member); err != nil {
			rep.StoreErrors++
			s.log.Warn("failed to store membership", logx.Int64("user", int64(sub.ID)), logx.Err(err))
		}
		switch {
		case sub.Subscribed && !member:
			rep.Lost++
			metrics.SweepTransitions.WithLabelValues("lost").Inc()
			s.log.Info("subscriber lost membership", logx.Int64("user", int64(sub.ID)), logx.Bool("exempt", sub.Exempt))
			pending = append(pending, sub)
		case !sub.Subscribed && member:
			rep.Regained++
			metrics.SweepTransitions.WithLabelValues("regained").Inc()
		}
	}

	s.state.Store(uint32(StateNotifying))
	for _, sub := range pending {
		exempt, err := s.dir.IsExempt(ctx, sub.ID)
		if err != nil {
			s.log.Warn("exemption lookup failed, skipping notice", logx.Int64("user", int64(sub.ID)), logx.Err(err))
			continue
		}
		if exempt {
			continue
		}
		msg := s.notifier.Renderer().Unsubscribed(sub.Locale)
		out := s.notifier.Send(ctx, int64(sub.ID), msg)
		if out.OK() {
			rep.Notified++
			continue
		}
		rep.NotifyFailed++
		s.log.Warn("unsubscribed notice failed", logx.Int64("user", int64(sub.ID)), logx.String("reason", out.Reason()))
	}

	rep.Took = time.Since(rep.StartedAt)
	metrics.Sweeps.WithLabelValues("ok").Inc()
	metrics.Subscribers.WithLabelValues("total").Set(float64(rep.Checked))
	metrics.Subscribers.WithLabelValues("subscribed").Set(float64(rep.Subscribed))
	metrics.Subscribers.WithLabelValues("exempt").Set(float64(rep.Exempt))

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	s.publish(eventbus.TypeSweepDone, rep)
	s.log.Info("sweep finished",
		logx.Int("checked", rep.Checked),
		logx.Int("subscribed", rep.Subscribed),
		logx.Int("lost", rep.Lost),
		logx.Int("notified", rep.Notified),
		logx.Int("check_errors", rep.CheckErrors),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}

func (s *Sweeper) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
