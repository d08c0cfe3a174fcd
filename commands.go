package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alllike996/speedtest-esa/internal/controller"
	"github.com/alllike996/speedtest-esa/internal/logging"
	"github.com/alllike996/speedtest-esa/internal/report"
	"github.com/alllike996/speedtest-esa/internal/resultmanager"
	"github.com/alllike996/speedtest-esa/internal/server"
	"github.com/alllike996/speedtest-esa/internal/tester"
	"github.com/alllike996/speedtest-esa/internal/tui"
	"github.com/alllike996/speedtest-esa/internal/yamlconfig"
	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/urfave/cli/v2"
)

const historyRequestTimeout = 10 * time.Second

// loadConfig loads and validates the config file with environment overrides,
// then applies and validates flag overrides
func loadConfig(c *cli.Context) (*yamlconfig.Config, error) {
	cfg, err := yamlconfig.LoadAndValidate(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("h2c") {
		cfg.Server.H2C = c.Bool("h2c")
	}
	if c.IsSet("threads") {
		cfg.Test.Threads = c.Int("threads")
	}
	if c.IsSet("samples") {
		cfg.Test.LatencySamples = c.Int("samples")
	}
	if c.IsSet("duration") {
		cfg.Test.DurationMs = int(c.Duration("duration").Milliseconds())
	}
	if c.IsSet("tick") {
		cfg.Test.TickMs = int(c.Duration("tick").Milliseconds())
	}
	if c.IsSet("protocol") {
		cfg.Test.Protocol = c.String("protocol")
	}
	if c.IsSet("insecure") {
		cfg.Test.InsecureSkipVerify = c.Bool("insecure")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *yamlconfig.Config) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// openResults opens the configured history store
func openResults(ctx context.Context, cfg *yamlconfig.Config, logger *slog.Logger) (*resultmanager.ResultManager, error) {
	store, err := resultmanager.Open(ctx, cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s history: %w", cfg.History.Backend, err)
	}
	return resultmanager.New(store, logger), nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signalContext(c)
	defer stop()

	results, err := openResults(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer results.Close()

	srv, err := server.New(cfg, staticFS, results, logger)
	if err != nil {
		return err
	}

	logger.Info("configuration loaded", slog.String("path", c.String("config")))
	fmt.Printf("Open http://%s in your browser\n", displayAddr(cfg.Server.Addr))
	return srv.Run(ctx)
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	useTUI := c.Bool("tui")
	logCfg := cfg.Logging
	if useTUI && logCfg.File == "" {
		// stderr belongs to the dashboard
		logCfg.Level = "error"
	}
	logger, closer, err := logging.New(logging.Config{Level: logCfg.Level, Format: logCfg.Format, File: logCfg.File})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signalContext(c)
	defer stop()

	ctrlCfg, err := controller.ConfigFromYAML(cfg.Test, c.String("server"))
	if err != nil {
		return err
	}

	opts := []controller.Option{controller.WithLogger(logger)}
	if c.Bool("save") {
		results, err := openResults(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer results.Close()
		opts = append(opts, controller.WithResultSink(results))
	}

	ctrl, err := controller.New(ctrlCfg, opts...)
	if err != nil {
		return err
	}

	var result *models.SessionResult
	switch {
	case useTUI:
		dash := tui.New(ctrlCfg.Target)
		ctrl.AddObserver(dash)
		result, err = dash.Run(ctx, ctrl.Start)
	case c.Bool("json"):
		result, err = ctrl.Start(ctx)
	default:
		ctrl.AddObserver(report.NewLinePrinter(os.Stderr))
		result, err = ctrl.Start(ctx)
	}

	for errType, stats := range ctrl.Errors().GetErrorStats() {
		logger.Warn("transfer errors during session",
			slog.String("error_type", string(errType)),
			slog.Int("count", stats.TotalCount),
			slog.Int("recovered", stats.SuccessCount),
			slog.String("last_error", stats.LastMessage))
	}

	if result != nil {
		if c.Bool("json") {
			if perr := report.PrintJSON(os.Stdout, result); perr != nil {
				return perr
			}
		} else if perr := report.PrintResult(os.Stdout, result); perr != nil {
			return perr
		}
	}
	return err
}

func historyAction(c *cli.Context) error {
	var (
		results []*models.SessionResult
		err     error
	)

	ctx, stop := signalContext(c)
	defer stop()

	if base := c.String("server"); base != "" {
		results, err = fetchResults(ctx, base, c.Int("limit"))
	} else {
		results, err = localResults(ctx, c)
	}
	if err != nil {
		return err
	}

	format := c.String("format")
	if format == "table" {
		return report.PrintHistory(os.Stdout, results)
	}
	exportFormat, err := resultmanager.ParseFormat(format)
	if err != nil {
		return err
	}
	return resultmanager.ExportResults(os.Stdout, results, exportFormat)
}

func localResults(ctx context.Context, c *cli.Context) ([]*models.SessionResult, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	results, err := openResults(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer results.Close()

	if cfg.History.Backend == resultmanager.BackendMemory {
		logger.Warn("the memory history backend only holds results of a running server; use --server to read them")
	}
	return results.GetResults(ctx, c.Int("limit"))
}

// fetchResults reads results from a running server's /api/results
func fetchResults(ctx context.Context, base string, limit int) ([]*models.SessionResult, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/api/results")
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, historyRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	client, err := tester.NewHTTPClient(tester.ProtocolHTTP1, u.Scheme, false)
	if err != nil {
		return nil, err
	}
	defer tester.CloseClient(client)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch results: server returned %s", resp.Status)
	}

	var body struct {
		Results []*models.SessionResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	return body.Results, nil
}
