// Command harvest extracts report exports from seller consoles.
//
// Usage:
//
//	harvest -platform shopee -account a1 -shop "Main" -domain orders -start 2026-10-01 -end 2026-10-07
//	harvest -batch jobs.yaml -concurrency 2
//	harvest -serve                      # HTTP API and queue workers
//	harvest -mcp-stdio                  # MCP tools over stdin/stdout
//	harvest -cleanup                    # drop stale sessions and old runs
//	harvest -store-password -platform shopee -account a1 < password.txt
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/api"
	"github.com/hazyhaar/harvest/engine"
)

// version is set at build time.
var version = "dev"

type flags struct {
	config      string
	req         api.ExtractionRequest
	batch       string
	concurrency int
	serve       bool
	mcpStdio    bool
	cleanup     bool
	keepRuns    time.Duration
	storePass   bool
	noKeyring   bool
	prompt      bool
	rateLimit   float64
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "harvest.yaml", "path to harvest.yaml")
	flag.StringVar(&f.req.Platform, "platform", "", "platform of a single job")
	flag.StringVar(&f.req.AccountID, "account", "", "account id of a single job")
	flag.StringVar(&f.req.ShopName, "shop", "", "shop name of a single job")
	flag.StringVar(&f.req.ShopID, "shop-id", "", "shop id of a single job")
	flag.StringVar(&f.req.DataDomain, "domain", "", "data domain of a single job")
	flag.StringVar(&f.req.Subtype, "subtype", "", "data subtype of a single job")
	flag.StringVar(&f.req.Granularity, "granularity", "", "granularity of a single job")
	flag.StringVar(&f.req.Start, "start", "", "first day, YYYY-MM-DD")
	flag.StringVar(&f.req.End, "end", "", "last day, YYYY-MM-DD")
	flag.StringVar(&f.req.Timeout, "timeout", "", "job deadline, e.g. 15m")
	flag.StringVar(&f.batch, "batch", "", "YAML or JSON file listing jobs")
	flag.IntVar(&f.concurrency, "concurrency", 1, "batch jobs in flight")
	flag.BoolVar(&f.serve, "serve", false, "serve the HTTP API and run queue workers")
	flag.BoolVar(&f.mcpStdio, "mcp-stdio", false, "serve MCP tools on stdin/stdout")
	flag.BoolVar(&f.cleanup, "cleanup", false, "drop stale sessions and old runs, then exit")
	flag.DurationVar(&f.keepRuns, "keep-runs", 90*24*time.Hour, "run history kept by -cleanup")
	flag.BoolVar(&f.storePass, "store-password", false, "read a password from stdin into the OS keyring")
	flag.BoolVar(&f.noKeyring, "no-keyring", false, "skip the OS keyring for passwords")
	flag.BoolVar(&f.prompt, "prompt", false, "ask on the terminal for login codes")
	flag.Float64Var(&f.rateLimit, "rate-limit", 0, "HTTP requests per second per client, 0 disables")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, f); err != nil {
		logger.Error("harvest: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, f flags) error {
	a, err := setup(ctx, logger, f.config, wiring{
		noKeyring: f.noKeyring,
		prompt:    f.prompt,
		queue:     f.serve || f.mcpStdio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("harvest: close", "error", err)
		}
	}()

	switch {
	case f.storePass:
		return storePassword(a, f.req.Platform, f.req.AccountID, os.Stdin)
	case f.cleanup:
		return cleanup(ctx, logger, a, f.keepRuns)
	case f.serve:
		return serve(ctx, logger, a, rate.Limit(f.rateLimit))
	case f.mcpStdio:
		return serveMCP(ctx, logger, a)
	case f.batch != "":
		return runBatch(ctx, a, f.batch, f.concurrency)
	case f.req.Platform != "":
		return runOne(ctx, a, f.req)
	}
	flag.Usage()
	return errors.New("no job, -batch, -serve, -mcp-stdio or -cleanup given")
}

func runOne(ctx context.Context, a *app, req api.ExtractionRequest) error {
	job, err := req.Job()
	if err != nil {
		return err
	}
	res := a.dispatcher.Run(ctx, job)
	if err := printJSON(os.Stdout, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("job %s failed: %s", res.JobID, res.Error)
	}
	return nil
}

func runBatch(ctx context.Context, a *app, path string, concurrency int) error {
	reqs, err := readBatch(path)
	if err != nil {
		return err
	}
	jobs := make([]engine.Job, 0, len(reqs))
	for i := range reqs {
		job, err := reqs[i].Job()
		if err != nil {
			return fmt.Errorf("batch job %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}
	results := a.engine.RunBatch(ctx, jobs, concurrency)
	if err := printJSON(os.Stdout, results); err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}

// readBatch decodes a list of jobs. YAML is a superset of JSON, so both
// formats are accepted.
func readBatch(path string) ([]api.ExtractionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	var reqs []api.ExtractionRequest
	if err := yaml.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("batch: %s: %w", path, err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch: %s lists no jobs", path)
	}
	return reqs, nil
}

func serve(ctx context.Context, logger *slog.Logger, a *app, limit rate.Limit) error {
	svc := api.New(a.dispatcher, api.Options{RateLimit: limit, Logger: logger})
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("harvest: listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.dispatcher.Work(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serveMCP(ctx context.Context, logger *slog.Logger, a *app) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "harvest", Version: version}, nil)
	api.New(a.dispatcher, api.Options{Logger: logger}).RegisterMCP(srv)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Work(ctx)
	})
	g.Go(func() error {
		err := srv.Run(ctx, &mcp.StdioTransport{})
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	return g.Wait()
}

func cleanup(ctx context.Context, logger *slog.Logger, a *app, keepRuns time.Duration) error {
	sessions, err := a.profiles.Cleanup(ctx, a.cfg.SessionMaxAge)
	if err != nil {
		return err
	}
	runs, err := a.ledger.Prune(ctx, time.Now().Add(-keepRuns))
	if err != nil {
		return err
	}
	logger.Info("harvest: cleanup done", "sessions", sessions, "runs", runs)
	return nil
}

func storePassword(a *app, platform, account string, in io.Reader) error {
	if platform == "" || account == "" {
		return errors.New("-store-password needs -platform and -account")
	}
	if _, err := a.cfg.Account(platform, account); err != nil {
		return err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read password: %w", err)
	}
	return a.secrets.Store(platform, account, strings.TrimRight(line, "\r\n"))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
