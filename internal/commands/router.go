// Package commands routes bot commands from private chats to handlers.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	rtsup "stockbot/internal/runtime/supervisor"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

const (
	defaultWorkers = 4
	jobQueueSize   = 256
	defaultTimeout = 30 * time.Second
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg     *transport.Message
	Command string
	Args    []string
	Logger  logx.Logger
}

// Router owns the command table and a small worker pool.
type Router struct {
	log   logx.Logger
	reply transport.Messenger

	mu     sync.RWMutex
	cmds   map[string]*Command
	owners map[int64]struct{}

	jobs chan func()
}

func NewRouter(reply transport.Messenger, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{log: log, reply: reply, cmds: map[string]*Command{}, jobs: make(chan func(), jobQueueSize)}
	r.SetOwners(owners)
	return r
}

// SetOwners replaces the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	set := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = set
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}

// Register adds commands plus a generated /help.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		if c.Name == "" || c.Handle == nil {
			continue
		}
		r.cmds[c.Name] = &c
		for _, a := range c.Aliases {
			r.cmds[a] = &c
		}
	}
	if _, ok := r.cmds["help"]; !ok {
		help := &Command{Name: "help", Description: "list commands", Usage: "/help", Handle: r.help}
		r.cmds["help"] = help
	}
}

func (r *Router) help(ctx context.Context, req *Request) error {
	owner := r.IsOwner(req.Msg.FromID)
	r.mu.RLock()
	seen := map[*Command]bool{}
	var lines []string
	for _, c := range r.cmds {
		if seen[c] || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		seen[c] = true
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		lines = append(lines, usage+" - "+c.Description)
	}
	r.mu.RUnlock()
	sort.Strings(lines)
	return r.reply.Send(ctx, req.Msg.ChatID, strings.Join(lines, "\n"), transport.FormatPlain)
}

// Run consumes messages until ctx is done or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan *transport.Message) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < defaultWorkers; i++ {
		sup.GoRestart(fmt.Sprintf("command.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			r.route(ctx, m)
		}
	}
}

func (r *Router) route(ctx context.Context, m *transport.Message) {
	fn := r.Prepare(ctx, m)
	if fn == nil {
		return
	}
	select {
	case r.jobs <- fn:
	default:
		_ = r.reply.Send(ctx, m.ChatID, "busy, try again", transport.FormatPlain)
	}
}

// Prepare resolves m to a runnable job, or nil when m is not a command.
// Unknown and unauthorized commands get a short reply.
func (r *Router) Prepare(ctx context.Context, m *transport.Message) func() {
	if m == nil {
		return nil
	}
	name, args, ok := parseCommand(m.Text)
	if !ok {
		return nil
	}
	r.mu.RLock()
	cmd := r.cmds[name]
	r.mu.RUnlock()
	if cmd == nil {
		_ = r.reply.Send(ctx, m.ChatID, "unknown command, try /help", transport.FormatPlain)
		return nil
	}
	if cmd.Access == AccessOwnerOnly && !r.IsOwner(m.FromID) {
		_ = r.reply.Send(ctx, m.ChatID, "unauthorized", transport.FormatPlain)
		return nil
	}

	req := &Request{
		Msg:     m,
		Command: cmd.Name,
		Args:    args,
		Logger:  r.log.With(logx.Int64("from_id", m.FromID), logx.String("cmd", cmd.Name)),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))
	return func() { _ = h(ctx, req) }
}

// parseCommand splits "/name@bot a b" into ("name", [a b]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				req.Logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			} else {
				req.Logger.Debug("command ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}
