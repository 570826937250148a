package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"postbot/internal/app"
	"postbot/internal/config"
	"postbot/internal/post"
	"postbot/internal/store"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

type cli struct {
	cfgPath string
	posts   string
	driver  string

	now func() time.Time
}

func newRootCmd() *cobra.Command { return newRootCmdAt(time.Now) }

func newRootCmdAt(now func() time.Time) *cobra.Command {
	c := &cli{now: now}
	root := &cobra.Command{
		Use:           "postctl",
		Short:         "Manage scheduled channel posts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", "./config.yaml", "postbot config (json or yaml); optional")
	root.PersistentFlags().StringVar(&c.posts, "posts", "", "override storage.path")
	root.PersistentFlags().StringVar(&c.driver, "driver", "", "override storage.driver (file, sqlite)")

	root.AddCommand(c.addCmd(), c.listCmd(), c.dueCmd(), c.validateCmd())
	return root
}

// settings reads the config file when it exists. A missing file means
// defaults plus environment overrides.
func (c *cli) settings() (app.PostSettings, store.Config, error) {
	cfg, err := config.NewConfigManager(c.cfgPath).Parse()
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.FromEnv(), nil
	}
	if err != nil {
		return app.PostSettings{}, store.Config{}, err
	}
	if c.posts != "" {
		cfg.Storage.Path = c.posts
	}
	if c.driver != "" {
		cfg.Storage.Driver = c.driver
	}
	ps, err := app.MapPosts(cfg)
	if err != nil {
		return app.PostSettings{}, store.Config{}, err
	}
	sc, err := app.MapStore(cfg, ps.MaxAttempts)
	return ps, sc, err
}

func (c *cli) openStore(ctx context.Context) (*store.Store, app.PostSettings, error) {
	ps, sc, err := c.settings()
	if err != nil {
		return nil, ps, err
	}
	st, err := store.Open(sc, logx.Nop())
	if err != nil {
		return nil, ps, err
	}
	if err := st.Load(ctx); err != nil {
		_ = st.Close()
		return nil, ps, fmt.Errorf("load %s: %w", sc.Path, err)
	}
	return st, ps, nil
}

func (c *cli) addCmd() *cobra.Command {
	var (
		channel string
		text    string
		image   string
		at      string
		repeat  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a post",
		Long: `Append a post to the store. The id is assigned automatically.

Examples:
  postctl add --channel @news --at "01.06.2026 10:00" --text "hello"
  postctl add --channel -1001234567890 --at "14.02.2020 09:00" --repeat --image ./card.jpg --text "caption"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, ps, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			p := post.Post{
				ChannelID: post.ChannelID(strings.TrimSpace(channel)),
				Text:      text,
				Image:     strings.TrimSpace(image),
				Datetime:  strings.TrimSpace(at),
				Repeat:    repeat,
			}
			if p.ChannelID == "" {
				return errors.New("--channel is required")
			}
			if p.Text == "" && p.Image == "" {
				return errors.New("--text or --image is required")
			}
			when, err := post.ParseDatetime(p.Datetime, ps.Rules)
			if err != nil {
				return fmt.Errorf("--at %q does not match layout %q", p.Datetime, ps.Rules.Layout)
			}
			p.Datetime = when.Format(ps.Rules.Layout)
			if p.Image != "" {
				if _, err := os.Stat(p.Image); err != nil {
					return fmt.Errorf("--image: %w", err)
				}
			}

			saved, err := st.Append(cmd.Context(), p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "added post %d\n", saved.ID)
			if _, err := post.Resolve(saved, c.now(), ps.Rules); err != nil {
				fmt.Fprintf(out, "warning: will not be scheduled: %v\n", err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&channel, "channel", "", "channel id (@name or numeric)")
	f.StringVar(&text, "text", "", "message text, or photo caption with --image")
	f.StringVar(&image, "image", "", "path to a photo")
	f.StringVar(&at, "at", "", "publication time in the configured layout")
	f.BoolVar(&repeat, "repeat", false, "publish every year on the same day")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored posts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, ps, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCHANNEL\tDATETIME\tSTATE\tTEXT")
			now := c.now()
			for _, p := range st.All() {
				if !all && !p.Repeat && p.Posted {
					continue
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.ChannelID, p.Datetime, state(p, now, ps.Rules), tgui.Preview(p.Text, 40))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include posted one-shot posts")
	return cmd
}

func (c *cli) dueCmd() *cobra.Command {
	var within time.Duration
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Show posts that the service would arm now, soonest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, ps, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			return writeDue(cmd.OutOrStdout(), st.All(), c.now(), ps.Rules, within)
		},
	}
	cmd.Flags().DurationVar(&within, "within", 0, "only posts firing within this duration (0 = all)")
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every datetime and channel id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, ps, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			bad := 0
			for _, p := range st.All() {
				if _, err := post.ParseDatetime(p.Datetime, ps.Rules); err != nil {
					fmt.Fprintf(out, "post %d: bad datetime %q\n", p.ID, p.Datetime)
					bad++
				}
				if strings.TrimSpace(string(p.ChannelID)) == "" {
					fmt.Fprintf(out, "post %d: empty channel_id\n", p.ID)
					bad++
				}
				if p.Text == "" && p.Image == "" && p.FileID == "" {
					fmt.Fprintf(out, "post %d: nothing to send\n", p.ID)
					bad++
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d problem(s) in %d posts", bad, st.Len())
			}
			fmt.Fprintf(out, "%d posts ok\n", st.Len())
			return nil
		},
	}
}

type dueEntry struct {
	p  post.Post
	at time.Time
}

func writeDue(w io.Writer, posts []post.Post, now time.Time, rules post.Rules, within time.Duration) error {
	var due []dueEntry
	for _, p := range posts {
		at, err := post.Resolve(p, now, rules)
		if err != nil {
			continue
		}
		if within > 0 && at.Sub(now) > within {
			continue
		}
		due = append(due, dueEntry{p: p, at: at})
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].p.ID < due[j].p.ID
	})

	if len(due) == 0 {
		_, err := fmt.Fprintln(w, "nothing due")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFIRES\tIN\tCHANNEL")
	for _, d := range due {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.p.ID, d.at.Format(rules.Layout), post.Delay(d.at, now).Round(time.Second), d.p.ChannelID)
	}
	return tw.Flush()
}

func state(p post.Post, now time.Time, rules post.Rules) string {
	switch {
	case p.Failed:
		return fmt.Sprintf("failed(%d)", p.Attempts)
	case !p.Repeat && p.Posted:
		return "posted"
	}
	_, err := post.Resolve(p, now, rules)
	var pe *post.ParseError
	switch {
	case err == nil:
		return "pending"
	case errors.As(err, &pe):
		return "invalid"
	case p.Repeat && p.LastPostedYear != nil:
		return fmt.Sprintf("yearly(%d)", *p.LastPostedYear)
	default:
		return "missed"
	}
}
