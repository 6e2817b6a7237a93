package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/panelsync/internal/config"
	"github.com/agentworkforce/panelsync/internal/httpapi"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "panelsync",
		Short: "Keep canvas workspaces in sync with their backing store",
		Long: `panelsync hydrates canvas workspaces from a local snapshot cache, queues
panel edits while the backing store is unreachable and replays them in order
once it is back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", envOrDefault("PANELSYNC_CONFIG", "panelsync.toml"), "path to the TOML config file")

	root.AddCommand(
		c.serveCommand(),
		c.hydrateCommand(),
		c.statusCommand(),
		c.flushCommand(),
		c.replicateCommand(),
		c.configCommand(),
	)
	return root
}

func (c *cli) loadConfig() (config.Config, error) {
	cfg, warnings, err := config.Load(c.configPath)
	for _, warning := range warnings {
		fmt.Fprintln(c.stderr, "warning:", warning)
	}
	return cfg, err
}

func (c *cli) open(ctx context.Context) (*app, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, c.stderr)
}

func (c *cli) printJSON(value any) error {
	encoder := json.NewEncoder(c.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (c *cli) serveCommand() *cobra.Command {
	var addr string
	var once bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the periodic sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.open(rootCtx)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.log.Logger

			if len(a.cfg.Sync.Notes) > 0 {
				if _, err := a.session.Load(rootCtx, a.cfg.Sync.Notes); err != nil {
					logger.Warn().Err(err).Msg("initial hydration failed")
				}
			}
			if a.cfg.Sync.Watch {
				if err := a.session.Watch(rootCtx); err != nil {
					logger.Info().Err(err).Msg("cross-process snapshot watch disabled")
				}
			}

			runSync := func(ctx context.Context) {
				result, err := a.session.Sync(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("sync cycle failed")
					return
				}
				logger.Debug().
					Int("applied", result.Flush.Applied).
					Int("remaining", result.Flush.Remaining).
					Strs("rehydrated", result.Rehydrated).
					Msg("sync cycle completed")
			}
			if once {
				runSync(rootCtx)
				return nil
			}

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			server := &http.Server{
				Addr: addr,
				Handler: httpapi.NewServerWithConfig(a.session, a.queue, a.hub, httpapi.ServerConfig{
					MaxBodyBytes: a.cfg.Server.MaxBodyBytes,
					Logger:       logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", addr).Msg("panelsync listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			loopDone := make(chan struct{})
			go func() {
				defer close(loopDone)
				runSyncLoop(rootCtx, a.cfg.Sync.Interval.Duration, a.cfg.Sync.Jitter, runSync)
			}()

			select {
			case <-rootCtx.Done():
			case err := <-serveErr:
				if err != nil {
					stop()
					<-loopDone
					return err
				}
			}
			logger.Info().Msg("panelsync stopping")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			<-loopDone
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().BoolVar(&once, "once", false, "run one sync cycle and exit")
	return cmd
}

func (c *cli) hydrateCommand() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "hydrate <note-id>...",
		Short: "Load notes through the snapshot cache and print the rendered panels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if !open {
				result, err := a.session.Load(ctx, args)
				if err != nil {
					return err
				}
				return c.printJSON(result)
			}
			results := make([]any, 0, len(args))
			for _, noteID := range args {
				result, err := a.session.Open(ctx, noteID)
				if err != nil {
					return fmt.Errorf("open %s: %w", noteID, err)
				}
				results = append(results, result)
			}
			return c.printJSON(results)
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "mark the notes open in the backing store")
	return cmd
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [note-id]...",
		Short: "Show queue and backing store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if len(args) > 0 {
				if _, err := a.session.Load(ctx, args); err != nil {
					return err
				}
			}
			out := map[string]any{"workspace": a.session.Status(ctx)}
			notes := map[string]any{}
			for _, noteID := range a.queue.Notes() {
				notes[noteID] = a.queue.Status(noteID)
			}
			out["queuedNotes"] = notes
			if a.failover != nil {
				failover, err := a.failover.Status(ctx)
				if err != nil {
					return err
				}
				out["failover"] = failover
			}
			return c.printJSON(out)
		},
	}
}

func (c *cli) flushCommand() *cobra.Command {
	var noteID string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Replay queued operations against the backing store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if noteID = strings.TrimSpace(noteID); noteID != "" {
				result, err := a.queue.FlushNote(ctx, noteID)
				if err != nil {
					return err
				}
				return c.printJSON(result)
			}
			result, err := a.queue.Flush(ctx)
			if err != nil {
				return err
			}
			return c.printJSON(result)
		},
	}
	cmd.Flags().StringVar(&noteID, "note", "", "only flush this note")
	return cmd
}

func (c *cli) replicateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Replay writes made to the secondary store onto the primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.failover == nil {
				return errors.New("no secondary backing store configured")
			}
			result, err := a.failover.Recover(ctx)
			if err != nil {
				return err
			}
			return c.printJSON(result)
		},
	}
}

func (c *cli) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			encoded, err := cfg.Encode()
			if err != nil {
				return err
			}
			_, err = c.stdout.Write(encoded)
			return err
		},
	}
}

// runSyncLoop calls run every interval, jittered, until ctx is done.
func runSyncLoop(ctx context.Context, interval time.Duration, jitter float64, run func(context.Context)) {
	if interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cycleCtx, cancel := context.WithTimeout(ctx, interval)
			run(cycleCtx)
			cancel()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
