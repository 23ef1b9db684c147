// Command interceptor runs and operates the transparent LLM proxy: starting
// the server, replaying and exporting captured interactions, and reporting
// aggregate stats.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/interceptor-proxy/interceptor/admin"
	"github.com/interceptor-proxy/interceptor/config"
	"github.com/interceptor-proxy/interceptor/logging"
	"github.com/interceptor-proxy/interceptor/model"
	"github.com/interceptor-proxy/interceptor/proxyhandler"
	"github.com/interceptor-proxy/interceptor/store"
	"github.com/interceptor-proxy/interceptor/upstream"
)

// usageError causes main() to exit 2; runtimeError causes it to exit 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

type runtimeError struct{ err error }

func (e runtimeError) Error() string { return e.err.Error() }
func (e runtimeError) Unwrap() error { return e.err }

// errInterrupted is returned by start's RunE when shutdown was triggered by
// SIGINT, so main can exit 130 per shell convention rather than 0.
var errInterrupted = errors.New("interrupted")

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "interceptor",
		Short: "Transparent proxy that captures and replays LLM traffic",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default: ./interceptor.yaml)")

	resolveConfig := func() (*config.Config, error) {
		path := configPath
		if path == "" {
			path = "interceptor.yaml"
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, usageError{fmt.Errorf("loading config: %w", err)}
		}
		return cfg, nil
	}

	openStore := func(cfg *config.Config) (*store.Store, error) {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, runtimeError{fmt.Errorf("opening store at %s: %w", cfg.DBPath, err)}
		}
		return st, nil
	}

	// -------------------------------------------------------------------------
	// start — run the proxy server until interrupted
	// -------------------------------------------------------------------------
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the transparent proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			level := logging.FromConfig(cfg.Verbose, cfg.Quiet)
			logger := logging.New(os.Stderr, level)

			cache := upstream.NewCache(32)
			handler := proxyhandler.New(cfg, st, cache, logger)

			mux := http.NewServeMux()
			admin.New(st).Mount(mux)
			mux.Handle("/", handler)

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			srv := &http.Server{Addr: addr, Handler: mux}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				logger.Infof("listening on %s", addr)
				serveErr <- srv.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if err != nil && err != http.ErrServerClosed {
					return runtimeError{err}
				}
				return nil
			case <-ctx.Done():
				logger.Infof("shutting down")
				grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
				shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return runtimeError{fmt.Errorf("graceful shutdown: %w", err)}
				}
				return errInterrupted
			}
		},
	}

	// -------------------------------------------------------------------------
	// replay — re-POST a stored interaction's request body to its provider
	// -------------------------------------------------------------------------
	replayCmd := &cobra.Command{
		Use:   "replay <interaction_id>",
		Short: "Re-send a stored interaction's request to its upstream provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			in, err := st.GetInteraction(cmd.Context(), args[0])
			if err != nil {
				return runtimeError{fmt.Errorf("loading interaction: %w", err)}
			}

			base := cfg.UpstreamURL(string(in.Provider))
			if base == "" {
				return usageError{fmt.Errorf("no upstream configured for provider %s", in.Provider)}
			}

			target := strings.TrimRight(base, "/") + in.Path
			req, err := http.NewRequestWithContext(cmd.Context(), in.Method, target, strings.NewReader(string(in.RequestBodyRaw)))
			if err != nil {
				return runtimeError{err}
			}
			for k, v := range in.RequestHeaders {
				req.Header.Set(k, v)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return runtimeError{fmt.Errorf("replay request failed: %w", err)}
			}
			defer resp.Body.Close()

			fmt.Printf("Status: %d\n", resp.StatusCode)
			_, err = fmt.Println("Headers:", resp.Header)
			if err != nil {
				return runtimeError{err}
			}
			buf := bufio.NewReader(resp.Body)
			_, err = buf.WriteTo(os.Stdout)
			return err
		},
	}

	// -------------------------------------------------------------------------
	// export — dump interactions as JSON or JSONL
	// -------------------------------------------------------------------------
	var exportFormat, exportSession, exportProvider string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export captured interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			interactions, err := st.ListInteractions(cmd.Context(), store.ListInteractionsFilter{
				SessionID: exportSession,
				Provider:  model.Provider(exportProvider),
			})
			if err != nil {
				return runtimeError{fmt.Errorf("listing interactions: %w", err)}
			}

			enc := json.NewEncoder(os.Stdout)
			switch exportFormat {
			case "jsonl":
				for _, in := range interactions {
					if err := enc.Encode(in); err != nil {
						return runtimeError{err}
					}
				}
			case "json", "":
				if err := enc.Encode(interactions); err != nil {
					return runtimeError{err}
				}
			default:
				return usageError{fmt.Errorf("unknown export format %q", exportFormat)}
			}
			return nil
		},
	}
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json or jsonl")
	exportCmd.Flags().StringVar(&exportSession, "session", "", "Filter by session id")
	exportCmd.Flags().StringVar(&exportProvider, "provider", "", "Filter by provider")

	// -------------------------------------------------------------------------
	// stats — show aggregate counts
	// -------------------------------------------------------------------------
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate interaction statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.GetStats(cmd.Context())
			if err != nil {
				return runtimeError{fmt.Errorf("computing stats: %w", err)}
			}

			fmt.Printf("Total Interactions: %d\n", stats.TotalInteractions)
			fmt.Printf("Prompt Tokens:       %d\n", stats.TotalPromptTokens)
			fmt.Printf("Completion Tokens:   %d\n", stats.TotalCompletionTokens)
			fmt.Printf("Total Cost:          $%.6f\n", stats.TotalCost)

			if len(stats.ByProvider) > 0 {
				fmt.Println("\nBy Provider:")
				names := make([]string, 0, len(stats.ByProvider))
				for name := range stats.ByProvider {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("  %-14s %d\n", name, stats.ByProvider[name])
				}
			}
			return nil
		},
	}

	// -------------------------------------------------------------------------
	// sessions — list grouped sessions
	// -------------------------------------------------------------------------
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions grouped from /_session/{id}-tagged traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return runtimeError{fmt.Errorf("listing sessions: %w", err)}
			}

			fmt.Printf("%-20s %-8s %-30s %s\n", "SESSION", "COUNT", "MODELS", "LAST SEEN")
			fmt.Println(strings.Repeat("-", 90))
			for _, s := range sessions {
				fmt.Printf("%-20s %-8d %-30s %s\n",
					s.SessionID, s.Count, strings.Join(s.Models, ","), s.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}

	// -------------------------------------------------------------------------
	// save — persist a manually-supplied interaction from stdin JSON
	// -------------------------------------------------------------------------
	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Persist an interaction supplied as JSON on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			var in model.Interaction
			if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
				return usageError{fmt.Errorf("decoding interaction from stdin: %w", err)}
			}
			if in.ID == "" {
				in.ID = uuid.New().String()
			}
			if in.StartedAt.IsZero() {
				in.StartedAt = time.Now()
			}

			if err := st.InsertInteraction(cmd.Context(), in); err != nil {
				return runtimeError{fmt.Errorf("saving interaction: %w", err)}
			}
			fmt.Printf("Saved interaction %s\n", in.ID)
			return nil
		},
	}

	rootCmd.AddCommand(startCmd, replayCmd, exportCmd, statsCmd, sessionsCmd, saveCmd)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errInterrupted) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error returned from Execute to the process exit code:
// 2 for usage errors, 1 for runtime errors, 130 for interrupt.
func exitCode(err error) int {
	var ue usageError
	var re runtimeError
	switch {
	case errors.Is(err, errInterrupted):
		return 130
	case asUsageError(err, &ue):
		return 2
	case asRuntimeError(err, &re):
		return 1
	default:
		return 1
	}
}

func asUsageError(err error, target *usageError) bool {
	ue, ok := err.(usageError)
	if ok {
		*target = ue
	}
	return ok
}

func asRuntimeError(err error, target *runtimeError) bool {
	re, ok := err.(runtimeError)
	if ok {
		*target = re
	}
	return ok
}
