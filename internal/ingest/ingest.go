// Package ingest turns source-channel posts into dispatches.
package ingest

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"stockbot/internal/dispatch"
	"stockbot/internal/event"
	"stockbot/internal/metrics"
	"stockbot/internal/storage"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

const DefaultDedupSize = 512

type Outcome string

const (
	OutcomeForeign    Outcome = "foreign"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDispatched Outcome = "event"
	OutcomeAborted    Outcome = "aborted"
)

type Parser interface {
	Parse(raw string) (event.Event, bool)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) (dispatch.Report, error)
}

// Recorder keeps the dispatch log.
type Recorder interface {
	AppendDispatch(ctx context.Context, r storage.DispatchRecord) error
}

type Config struct {
	SourceChannelID int64
	DedupSize       int
}

type Pipeline struct {
	cfg    Config
	parser Parser
	disp   Dispatcher
	rec    Recorder
	log    logx.Logger
	seen   *lru.Cache
}

type postKey struct {
	chat int64
	id   int
}

func New(cfg Config, p Parser, d Dispatcher, rec Recorder, log logx.Logger) (*Pipeline, error) {
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	seen, err := lru.New(cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("ingest dedup cache: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{cfg: cfg, parser: p, disp: d, rec: rec, log: log, seen: seen}, nil
}

// Run handles posts one at a time until ctx is done or in is closed.
// Dispatches share one send budget, so running them in sequence costs nothing.
func (p *Pipeline) Run(ctx context.Context, in <-chan *transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			p.Handle(ctx, m)
		}
	}
}

// Handle processes one post and reports what happened to it.
func (p *Pipeline) Handle(ctx context.Context, m *transport.Message) Outcome {
	out := p.handle(ctx, m)
	metrics.PostsReceived.WithLabelValues(string(out)).Inc()
	return out
}

func (p *Pipeline) handle(ctx context.Context, m *transport.Message) Outcome {
	if m == nil || m.ChatID != p.cfg.SourceChannelID {
		return OutcomeForeign
	}
	if found, _ := p.seen.ContainsOrAdd(postKey{chat: m.ChatID, id: m.ID}, struct{}{}); found {
		p.log.Debug("duplicate post skipped", logx.Int("message_id", m.ID))
		return OutcomeDuplicate
	}
	ev, ok := p.parser.Parse(m.Text)
	if !ok {
		p.log.Debug("post ignored", logx.Int("message_id", m.ID))
		return OutcomeIgnored
	}

	log := p.log.With(logx.Int("message_id", m.ID), logx.String("kind", ev.Kind.String()))
	if ev.Kind == event.KindRestock {
		log = log.With(logx.Strs("items", ev.ItemIDs()))
	} else {
		log = log.With(logx.String("tier", string(ev.Token.Tier)))
	}

	rep, err := p.disp.Dispatch(ctx, ev)
	p.record(ctx, log, rep)
	if err != nil {
		log.Error("dispatch aborted", logx.String("dispatch_id", rep.ID), logx.Err(err))
		return OutcomeAborted
	}
	if rep.Failed > 0 {
		log.Warn(rep.Summary())
	} else {
		log.Info(rep.Summary())
	}
	return OutcomeDispatched
}

func (p *Pipeline) record(ctx context.Context, log logx.Logger, rep dispatch.Report) {
	if p.rec == nil || rep.ID == "" {
		return
	}
	err := p.rec.AppendDispatch(ctx, storage.DispatchRecord{
		ID:          rep.ID,
		Kind:        rep.Kind.String(),
		State:       rep.State.String(),
		Attempted:   rep.Attempted,
		Succeeded:   rep.Succeeded,
		Failed:      rep.Failed,
		Deactivated: rep.Deactivated,
		Took:        rep.Took,
		Summary:     rep.Summary(),
		At:          rep.StartedAt,
	})
	if err != nil {
		log.Warn("dispatch log append failed", logx.String("dispatch_id", rep.ID), logx.Err(err))
	}
}
