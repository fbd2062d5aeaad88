package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/app"
)

type runFlags struct {
	sources        []string
	once           bool
	loop           bool
	reloadInterval int
	since          string
	fromCheckpoint bool
	offline        bool
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the collection scheduler",
		Long: `Runs every enabled source once (--once) or on its own interval until
interrupted (--loop, the default). --reload-interval or reload.interval_seconds
adds periodic rule-file checks to the loop.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd, flags, time.Now())
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&flags.sources, "sources", nil, "comma-separated source names to run (default: all enabled)")
	f.BoolVar(&flags.once, "once", false, "run a single pass over all sources and exit")
	f.BoolVar(&flags.loop, "loop", false, "run continuously (default)")
	f.IntVar(&flags.reloadInterval, "reload-interval", 0, "seconds between rule-file checks; enables loop-with-reload")
	f.StringVar(&flags.since, "since", "", "skip items published before this duration ago (e.g. 36h, 7d) or RFC3339 time")
	f.BoolVar(&flags.fromCheckpoint, "from-checkpoint", true, "resume from persisted seen-sets")
	f.BoolVar(&flags.offline, "offline", false, "disable networking; serve from cache and bundled fixtures")
	cmd.MarkFlagsMutuallyExclusive("once", "loop")
	return cmd
}

func (f *runFlags) options(now time.Time) (app.RunOptions, error) {
	if f.reloadInterval < 0 {
		return app.RunOptions{}, fmt.Errorf("--reload-interval must be >= 0, got %d", f.reloadInterval)
	}
	if f.once && f.reloadInterval > 0 {
		return app.RunOptions{}, errors.New("--reload-interval requires loop mode")
	}
	since, notBefore, err := parseSince(f.since, now)
	if err != nil {
		return app.RunOptions{}, err
	}
	return app.RunOptions{
		Sources:        f.sources,
		Once:           f.once,
		ReloadInterval: time.Duration(f.reloadInterval) * time.Second,
		Since:          since,
		NotBefore:      notBefore,
		FromCheckpoint: f.fromCheckpoint,
		Offline:        f.offline,
	}, nil
}

func runCollect(cmd *cobra.Command, flags *runFlags, now time.Time) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	opts, err := flags.options(now)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := appInstance.GetLogger()
	logger.Info("run starting",
		zap.Strings("sources", opts.Sources),
		zap.Bool("once", opts.Once),
		zap.Bool("offline", opts.Offline),
		zap.Bool("from_checkpoint", opts.FromCheckpoint))
	if err := appInstance.Run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	logger.Info("run finished")
	return nil
}

// parseSince accepts a Go duration, a day count such as "7d", or an RFC3339 instant.
// A duration is returned relative; an instant is returned as notBefore.
func parseSince(raw string, now time.Time) (time.Duration, time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, time.Time{}, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, time.Time{}, nil
		}
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0, time.Time{}, fmt.Errorf("--since must be positive, got %s", raw)
		}
		return d, time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		if t.After(now) {
			return 0, time.Time{}, fmt.Errorf("--since %s is in the future", raw)
		}
		return 0, t.UTC(), nil
	}
	return 0, time.Time{}, fmt.Errorf("--since %q is neither a duration nor an RFC3339 time", raw)
}
