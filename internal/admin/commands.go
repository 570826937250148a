// Package admin registers the owner-only bot commands used to inspect and
// nudge the running scheduler.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/jobs"
	"postbot/internal/post"
	"postbot/internal/reconcile"
	"postbot/internal/store"
	"postbot/internal/task/engine"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

const (
	defaultListLimit = 10
	maxListLimit     = 50
	previewRunes     = 60
)

// Resender arms an owner-requested delivery of one post.
type Resender interface {
	Resend(id int, delay time.Duration) (time.Duration, error)
}

// resendDelay leaves room for the reply to land before the post goes out.
const resendDelay = 3 * time.Second

// Deps are the live components the commands read from.
type Deps struct {
	Store     *store.Store
	Timers    *jobs.Scheduler
	Engine    *engine.Service
	Reconcile *reconcile.Loop
	Resend    Resender
	// Location renders due times; nil means time.Local.
	Location  func() *time.Location
	StartedAt time.Time
	Version   string
}

type Commands struct {
	d      Deps
	router *router.Router
	now    func() time.Time
}

func New(d Deps, r *router.Router) *Commands {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	return &Commands{d: d, router: r, now: time.Now}
}

// Register adds the commands to the router.
func (c *Commands) Register() {
	c.router.Register(
		router.Command{Name: "status", Description: "scheduler status", Timeout: 5 * time.Second, Handle: c.cmdStatus},
		router.Command{Name: "posts", Description: "upcoming posts: /posts [n]", Timeout: 5 * time.Second, Handle: c.cmdPosts},
		router.Command{Name: "post", Description: "one post: /post <id>", Timeout: 5 * time.Second, Handle: c.cmdPost},
		router.Command{Name: "failed", Description: "posts that gave up", Timeout: 5 * time.Second, Handle: c.cmdFailed},
		router.Command{Name: "retry", Description: "send a failed or missed post now: /retry <id>", Timeout: 10 * time.Second, Handle: c.cmdRetry},
		router.Command{Name: "reconcile", Description: "reload posts and re-arm timers", Timeout: 5 * time.Second, Handle: c.cmdReconcile},
		router.Command{Name: "help", Description: "list commands", Timeout: 5 * time.Second, Handle: c.cmdHelp},
	)
}

func (c *Commands) loc() *time.Location {
	if c.d.Location != nil {
		if l := c.d.Location(); l != nil {
			return l
		}
	}
	return time.Local
}

func (c *Commands) cmdStatus(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, c.renderStatus())
}

func (c *Commands) renderStatus() string {
	posts := c.d.Store.All()
	var posted, failed, repeating int
	for _, p := range posts {
		switch {
		case p.Failed:
			failed++
		case p.Posted:
			posted++
		}
		if p.Repeat {
			repeating++
		}
	}

	// Plain text: Markdown parse failures would hide the very status we need.
	var b strings.Builder
	b.Grow(1024)
	b.WriteString("📮 Post scheduler\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	if c.d.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", c.d.Version)
	}
	fmt.Fprintf(&b, "Uptime: %s\n", durShort(c.now().Sub(c.d.StartedAt)))
	fmt.Fprintf(&b, "Timezone: %s\n", c.loc())
	fmt.Fprintf(&b, "Posts: %d (%d yearly, %d posted, %d failed)\n", len(posts), repeating, posted, failed)
	if c.d.Timers != nil {
		fmt.Fprintf(&b, "Armed timers: %d\n", c.d.Timers.Len())
		if next := c.d.Timers.Snapshot(); len(next) > 0 {
			fmt.Fprintf(&b, "Next: #%d at %s\n", next[0].PostID, next[0].Due.In(c.loc()).Format("02.01.2006 15:04:05"))
		}
	}
	if c.d.Engine != nil {
		s := c.d.Engine.Snapshot()
		fmt.Fprintf(&b, "Workers: %d, queue %d/%d, in flight %d\n", s.Workers, s.QueueLen, s.QueueCap, s.InFlight)
		if s.Dropped > 0 || s.Skipped > 0 {
			fmt.Fprintf(&b, "Dropped: %d (queue full %d, stale %d), skipped overlaps: %d\n", s.Dropped, s.DroppedQueueFull, s.DroppedStale, s.Skipped)
		}
	}
	if c.d.Reconcile != nil {
		if last, ok := c.d.Reconcile.Last(); ok {
			fmt.Fprintf(&b, "Last pass: %s ago (%s), %d scheduled, %d invalid, took %s\n",
				durShort(c.now().Sub(last.Started)), last.Reason, last.Scheduled, last.Invalid, last.Took.Round(time.Microsecond))
			if last.Err != nil {
				fmt.Fprintf(&b, "Last reload error: %s\n", last.Err)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) cmdPosts(ctx context.Context, req *router.Request) error {
	limit := defaultListLimit
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return req.Reply(ctx, "usage: /posts [n]")
		}
		limit = min(n, maxListLimit)
	}
	return req.Reply(ctx, c.renderUpcoming(limit))
}

func (c *Commands) renderUpcoming(limit int) string {
	if c.d.Timers == nil {
		return "scheduler unavailable"
	}
	entries := c.d.Timers.Snapshot()
	if len(entries) == 0 {
		return "no posts armed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Upcoming (%d armed):\n", len(entries))
	for i, e := range entries {
		if i == limit {
			fmt.Fprintf(&b, "… %d more", len(entries)-limit)
			break
		}
		p, ok := c.d.Store.Get(e.PostID)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "#%d %s → %s %s\n", p.ID, e.Due.In(c.loc()).Format("02.01 15:04"), p.ChannelID, preview(p))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) cmdPost(ctx context.Context, req *router.Request) error {
	id, err := argID(req)
	if err != nil {
		return req.Reply(ctx, "usage: /post <id>")
	}
	p, ok := c.d.Store.Get(id)
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("post %d not found", id))
	}
	return req.Reply(ctx, c.renderPost(p))
}

func (c *Commands) renderPost(p post.Post) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Post #%d\n", p.ID)
	fmt.Fprintf(&b, "Channel: %s\n", p.ChannelID)
	fmt.Fprintf(&b, "Datetime: %s", p.Datetime)
	if p.Repeat {
		b.WriteString(" (yearly")
		if p.LastPostedYear != nil {
			fmt.Fprintf(&b, ", last %d", *p.LastPostedYear)
		}
		b.WriteString(")")
	}
	b.WriteString("\n")
	if p.HasMedia() {
		fmt.Fprintf(&b, "Image: %s (cached: %v)\n", p.Image, p.FileID != "")
	}
	state := "pending"
	switch {
	case p.Failed:
		state = "failed"
	case p.Posted:
		state = "posted"
	}
	fmt.Fprintf(&b, "State: %s, attempts %d\n", state, p.Attempts)
	if p.LastError != nil {
		fmt.Fprintf(&b, "Last error: %s\n", *p.LastError)
	}
	if c.d.Timers != nil {
		if e, ok := c.d.Timers.Pending(p.ID); ok {
			fmt.Fprintf(&b, "Armed for: %s\n", e.Due.In(c.loc()).Format("02.01.2006 15:04:05"))
		}
	}
	fmt.Fprintf(&b, "Text: %s", preview(p))
	return b.String()
}

func (c *Commands) cmdFailed(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	n := 0
	for _, p := range c.d.Store.All() {
		if !p.Failed {
			continue
		}
		n++
		last := "-"
		if p.LastError != nil {
			last = *p.LastError
		}
		fmt.Fprintf(&b, "#%d %s attempts=%d: %s\n", p.ID, p.ChannelID, p.Attempts, last)
	}
	if n == 0 {
		return req.Reply(ctx, "no failed posts")
	}
	return req.Reply(ctx, fmt.Sprintf("Failed (%d):\n%s", n, strings.TrimRight(b.String(), "\n")))
}

func (c *Commands) cmdRetry(ctx context.Context, req *router.Request) error {
	id, err := argID(req)
	if err != nil {
		return req.Reply(ctx, "usage: /retry <id>")
	}
	if c.d.Resend == nil {
		return req.Reply(ctx, "resend unavailable")
	}
	d, err := c.d.Resend.Resend(id, resendDelay)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return req.Reply(ctx, fmt.Sprintf("post %d not found", id))
	case errors.Is(err, delivery.ErrAlreadyPosted):
		return req.Reply(ctx, fmt.Sprintf("post %d already posted", id))
	case err != nil:
		return err
	}
	req.Logger.Info("resend requested by owner", logx.PostID(id))
	return req.Reply(ctx, fmt.Sprintf("post %d will be sent in %s", id, d.Round(time.Second)))
}

func (c *Commands) cmdReconcile(ctx context.Context, req *router.Request) error {
	if c.d.Reconcile == nil {
		return req.Reply(ctx, "reconciliation unavailable")
	}
	if c.d.Reconcile.Trigger("command") {
		return req.Reply(ctx, "reconciliation queued")
	}
	return req.Reply(ctx, "reconciliation already pending")
}

func (c *Commands) cmdHelp(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cmd := range c.router.Commands() {
		fmt.Fprintf(&b, "/%s - %s\n", cmd.Name, cmd.Description)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func argID(req *router.Request) (int, error) {
	if len(req.Args) == 0 {
		return 0, errors.New("missing id")
	}
	return strconv.Atoi(strings.TrimPrefix(req.Args[0], "#"))
}

func preview(p post.Post) string {
	if strings.TrimSpace(p.Text) == "" && p.HasMedia() {
		return "[photo]"
	}
	return tgui.Preview(p.Text, previewRunes)
}

func durShort(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < 24*time.Hour:
		return d.Round(time.Minute).String()
	default:
		days := int(d / (24 * time.Hour))
		return fmt.Sprintf("%dd%s", days, (d % (24 * time.Hour)).Round(time.Hour))
	}
}
