package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offline-cache/src/api"
	"offline-cache/src/config"
	"offline-cache/src/logging"
	"offline-cache/src/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

type cliFlags struct {
	baseDir      string
	origin       string
	cacheVersion string
	rulesFile    string
	driver       string
	listenAddr   string
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "offline-cache",
		Short: "Offline resource cache for application bundles",
		Long: `offline-cache fetches an application's static assets once and serves
them afterwards without a network round trip.

Settings are read from OFFLINE_CACHE_* environment variables; flags
override them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.baseDir, "base-dir", "", "cache directory")
	pf.StringVar(&flags.origin, "origin", "", "application origin, e.g. https://game.example.com")
	pf.StringVar(&flags.cacheVersion, "cache-version", "", "cache schema/generation version")
	pf.StringVar(&flags.rulesFile, "rules", "", "YAML policy rules file")
	pf.StringVar(&flags.driver, "driver", "", "sqlite driver: sqlite3 (cgo) or sqlite (pure Go)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the origin through the cache as a local reverse proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	serveCmd.Flags().StringVar(&flags.listenAddr, "listen", "", "listen address")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), flags, func(svc *api.Service) error {
				st, err := svc.GetStats()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), flags, func(svc *api.Service) error {
				if err := svc.ClearAll(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK: cleared")
				return nil
			})
		},
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch URLs through the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), flags, func(svc *api.Service) error {
				for _, raw := range args {
					fmt.Fprintln(cmd.OutOrStdout(), fetchLine(cmd.Context(), svc, raw))
				}
				return nil
			})
		},
	}

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Read line commands from stdin",
		Long:  shellHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "offline-cache v%s\n", Version)
		},
	}

	root.AddCommand(serveCmd, statsCmd, clearCmd, fetchCmd, shellCmd, versionCmd)
	return root
}

func loadConfig(flags *cliFlags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if flags.baseDir != "" {
		cfg.BaseDir = flags.baseDir
	}
	if flags.origin != "" {
		cfg.Origin = flags.origin
	}
	if flags.cacheVersion != "" {
		cfg.Version = flags.cacheVersion
	}
	if flags.rulesFile != "" {
		cfg.RulesFile = flags.rulesFile
	}
	if flags.driver != "" {
		cfg.SQLiteDriver = flags.driver
	}
	if flags.listenAddr != "" {
		cfg.ListenAddr = flags.listenAddr
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) logging.Logger {
	return logging.New(os.Stderr, logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

func withService(ctx context.Context, flags *cliFlags, fn func(*api.Service) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	svc, err := api.Open(ctx, cfg, nil, newLogger(cfg))
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func runServe(ctx context.Context, flags *cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "offline-cache", cfg.OTelEndpoint)
	if err != nil {
		logger.Error("tracing disabled", err, nil)
	}
	defer shutdownTracing(context.Background())

	svc, err := api.Open(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	go svc.Run(ctx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: svc.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting caching proxy", map[string]interface{}{
			"addr": cfg.ListenAddr, "origin": cfg.Origin, "outcome": string(svc.Outcome()),
		})
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("proxy server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down proxy server", err, nil)
	}
	logger.Info("shutdown complete", nil)
	return nil
}

func fetchLine(ctx context.Context, svc *api.Service, raw string) string {
	u, err := svc.Resolve(raw)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	resp, err := svc.Client().Do(req)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	source := "NETWORK"
	if resp.Header.Get("X-Cache") == "HIT" {
		source = "HIT"
	}
	return fmt.Sprintf("OK: %s status=%d source=%s bytes=%d", u, resp.StatusCode, source, n)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const shellHelp = `Read simple text commands from stdin, one per line.

Available commands:
    INIT base_dir origin [version]
    FETCH url
    HAS url
    STATS
    CLEAR
    CLOSE

Responses:
    OK: <result>     - Success
    ERROR: <reason>  - Failure

EXAMPLES:
    printf 'INIT ./cache https://game.example.com\nFETCH /assets/app.js\nSTATS\n' | offline-cache shell`

func runShell(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToUpper(parts[0])

		switch command {
		case "INIT":
			if len(parts) != 3 && len(parts) != 4 {
				fmt.Fprintln(out, "ERROR: INIT requires 2 or 3 arguments: base_dir origin [version]")
				continue
			}
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(out, "ERROR: %v\n", err)
				continue
			}
			cfg.BaseDir, cfg.Origin = parts[1], parts[2]
			if len(parts) == 4 {
				cfg.Version = parts[3]
			}
			if err := openSession(ctx, cfg, newLogger(cfg)); err != nil {
				fmt.Fprintf(out, "ERROR: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "OK: initialized")

		case "FETCH":
			if len(parts) != 2 {
				fmt.Fprintln(out, "ERROR: FETCH requires 1 argument: url")
				continue
			}
			err := withSession(func(s *api.Service) error {
				fmt.Fprintln(out, fetchLine(ctx, s, parts[1]))
				return nil
			})
			if err != nil {
				fmt.Fprintf(out, "ERROR: %v\n", err)
			}

		case "HAS":
			if len(parts) != 2 {
				fmt.Fprintln(out, "ERROR: HAS requires 1 argument: url")
				continue
			}
			var ok bool
			err := withSession(func(s *api.Service) error {
				var err error
				ok, err = s.Has(parts[1])
				return err
			})
			if err != nil {
				fmt.Fprintf(out, "ERROR: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "OK: %t\n", ok)

		case "STATS":
			var st api.StatsView
			err := withSession(func(s *api.Service) error {
				var err error
				st, err = s.GetStats()
				return err
			})
			if err != nil {
				fmt.Fprintf(out, "ERROR: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "OK: count=%d size=%q\n", st.Count, st.TotalSizeFormatted)
			for _, it := range st.RecentItems {
				fmt.Fprintf(out, "  %s %d\n", it.URL, it.SizeBytes)
			}

		case "CLEAR":
			if err := withSession(func(s *api.Service) error { return s.ClearAll() }); err != nil {
				fmt.Fprintf(out, "ERROR: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "OK: cleared")

		case "CLOSE":
			if err := closeSession(); err != nil {
				fmt.Fprintf(out, "ERROR: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "OK: closed")

		default:
			fmt.Fprintf(out, "ERROR: unknown command: %s\n", command)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}
