// Package router dispatches slash commands from incoming updates to handlers.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string // without the leading slash
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	replier kit.Replier
}

// Reply answers in the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.replier == nil {
		return nil
	}
	_, err := r.replier.Reply(ctx, r.Chat, text)
	return err
}

type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	owners []int64

	replier kit.Replier
	log     logx.Logger
	workers int
	jobs    chan func()
	reqSeq  atomic.Uint64
}

func New(replier kit.Replier, log logx.Logger, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:    map[string]Command{},
		owners:  append([]int64(nil), owners...),
		replier: replier,
		log:     log,
		workers: 2,
		jobs:    make(chan func(), 32),
	}
}

// Register adds or replaces commands by name.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.cmds[name] = c
	}
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// DispatchLoop consumes updates until ctx ends or updates closes. Handlers
// run on a small supervised worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < r.workers; i++ {
		sup.GoRestart(fmt.Sprintf("command.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, found := r.cmds[name]
	r.mu.RUnlock()

	owner := r.isOwner(msg.FromID)
	if !found {
		// Strangers get silence; the bot lives in public channels.
		if owner && r.replier != nil {
			_, _ = r.replier.Reply(ctx, chat, "unknown command, try /help")
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !owner {
		r.log.Debug("command denied", logx.String("cmd", name), logx.Int64("from_id", msg.FromID))
		return
	}

	rid := fmt.Sprintf("req-%x", r.reqSeq.Add(1))
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", name),
	)
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		ReqID:   rid,
		Logger:  reqLog,
		replier: r.replier,
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(reqLog),
		MWRequestLog(reqLog),
		MWTimeout(cmd.Timeout),
	)

	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		_ = req.Reply(ctx, "busy, try again")
	}
}

// parseCommand splits "/name@bot arg1 arg2" into its lowercase name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}
