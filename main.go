package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/citations"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/health"
	"github.com/Kocoro-lab/Shannon/go/research/internal/research"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
)

func main() {
	root := &cobra.Command{
		Use:           "research",
		Short:         "Adaptive multi-round research controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $CONFIG_PATH)")

	root.AddCommand(runCmd(&cfgPath), logCmd(&cfgPath), eventsCmd(&cfgPath), checkCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	var (
		sessionID string
		follow    bool
		format    string
	)
	cmd := &cobra.Command{
		Use:   "run [query]",
		Short: "Research a query and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "markdown" {
				return fmt.Errorf("unknown output format %q: want json or markdown", format)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionID == "" {
				sessionID = uuid.New().String()
			}
			if follow {
				ch := a.events.Subscribe(sessionID, 64)
				done := make(chan struct{})
				go func() {
					defer close(done)
					for evt := range ch {
						fmt.Fprintln(os.Stderr, string(evt.Marshal()))
					}
				}()
				defer func() {
					a.events.Unsubscribe(sessionID, ch)
					<-done
				}()
			}

			res := a.controller.RunSession(ctx, sessionID, strings.Join(args, " "))
			a.logger.Info("Research finished",
				zap.String("session_id", res.SessionID),
				zap.String("status", res.Status),
				zap.Int("iterations", res.Iterations),
				zap.Duration("duration", res.Duration),
			)
			if err := printResult(res, format); err != nil {
				return err
			}
			if res.Status == research.StatusFailed {
				return fmt.Errorf("research failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: random)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream progress events to stderr")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or markdown")
	return cmd
}

func checkCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the configured backends and print a health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, "")
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.health.Check(cmd.Context())
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Overall.Status == health.StatusUnhealthy {
				return fmt.Errorf("unhealthy: %s", report.Overall.Message)
			}
			return nil
		},
	}
}

func logCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "log [session-id]",
		Short: "Print the step log of a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Store.Backend == config.BackendMemory {
				return fmt.Errorf("the memory backend keeps no sessions between runs; configure store.backend")
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			factory, _, closeStore, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			store, err := factory(args[0])
			if err != nil {
				return err
			}
			entries, err := store.Log(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no log entries for session %s", args[0])
			}
			return printJSON(entries)
		},
	}
}

func eventsCmd(cfgPath *string) *cobra.Command {
	var since uint64
	cmd := &cobra.Command{
		Use:   "events [session-id]",
		Short: "Print the progress events mirrored to the Redis stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			client := newEventsRedisClient(cfg)
			defer client.Close()

			pub := streaming.NewRedisPublisher(client, cfg.Observability.Events.StreamMaxLen, logger)
			events, err := pub.Read(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "only events after this sequence number")
	return cmd
}

// printResult writes res as JSON, or as the final answer followed by its sources.
func printResult(res *research.Result, format string) error {
	if format != "markdown" {
		return printJSON(res)
	}
	if res.Answer == nil {
		fmt.Fprintf(os.Stdout, "No answer (status %s).\n", res.Status)
		return nil
	}
	_, err := fmt.Fprintln(os.Stdout, citations.FormatReport(res.Answer.Content, res.Citations))
	return err
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
