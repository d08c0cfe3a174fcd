package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alllike996/speedtest-esa/internal/controller"
	"github.com/alllike996/speedtest-esa/internal/errorhandler"
	"github.com/alllike996/speedtest-esa/internal/metrics"
	"github.com/alllike996/speedtest-esa/internal/resultmanager"
	"github.com/alllike996/speedtest-esa/internal/stream"
	"github.com/alllike996/speedtest-esa/internal/yamlconfig"
	"github.com/conduitio/bwlimit"
	"github.com/gin-gonic/gin"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

const (
	pageTemplate = "static/index.html"
	faviconFile  = "static/favicon.png"
)

// Server represents the measurement web server
type Server struct {
	router     *gin.Engine
	config     *yamlconfig.Config
	source     *stream.Source
	metrics    *metrics.Metrics
	controller *controller.Controller
	results    *resultmanager.ResultManager
	hub        *Hub
	errors     *errorhandler.ErrorHandler
	logger     *slog.Logger
	page       []byte
	favicon    []byte

	// runCtx outlives requests; remote-probe sessions are bound to it
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates a new server instance. assets must hold static/index.html and
// static/favicon.png. results may be nil when history is disabled.
func New(cfg *yamlconfig.Config, assets fs.FS, results *resultmanager.ResultManager, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if results == nil {
		results = resultmanager.New(nil, logger)
	}
	logger = logger.With(slog.String("component", "server"))

	page, err := renderPage(assets, cfg)
	if err != nil {
		return nil, err
	}
	favicon, err := fs.ReadFile(assets, faviconFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read favicon: %w", err)
	}

	errs := errorhandler.New(logger)
	probeCfg, err := controller.ConfigFromYAML(cfg.Test, cfg.ProbeTarget())
	if err != nil {
		return nil, fmt.Errorf("invalid probe configuration: %w", err)
	}
	ctrl, err := controller.New(probeCfg,
		controller.WithLogger(logger),
		controller.WithErrorHandler(errs),
		controller.WithResultSink(results))
	if err != nil {
		return nil, err
	}

	hub := NewHub(logger)
	ctrl.AddObserver(hub)

	runCtx, cancelRun := context.WithCancel(context.Background())
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:     gin.New(),
		config:     cfg,
		source:     stream.NewSource(cfg.Server.ChunkSize),
		metrics:    metrics.New(),
		controller: ctrl,
		results:    results,
		hub:        hub,
		errors:     errs,
		logger:     logger,
		page:       page,
		favicon:    favicon,
		runCtx:     runCtx,
		cancelRun:  cancelRun,
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes sets up all routes
func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery(), requestLogger(s.logger), corsMiddleware())

	// Measurement endpoints
	api := s.router.Group("/api")
	{
		api.GET("/down", s.handleDown)
		api.POST("/up", s.handleUp)
		api.GET("/ping", s.handlePing)
	}

	// Remote probe and observability
	{
		api.POST("/test/start", s.startTest)
		api.POST("/test/stop", s.stopTest)
		api.GET("/test/status", s.getStatus)
		api.GET("/test/live", s.liveTicks)
		api.GET("/results", s.getResults)
		api.GET("/results/stats", s.getResultStats)
		api.GET("/results/export/:format", s.exportResults)
		api.DELETE("/results", s.clearResults)
		api.GET("/metrics", s.getMetrics)
		api.GET("/config", s.getConfig)
	}

	s.router.GET("/favicon.ico", s.handleFavicon)
	s.router.GET("/", s.indexHandler)
	s.router.NoRoute(s.indexHandler)
}

// Controller returns the remote-probe controller
func (s *Server) Controller() *controller.Controller {
	return s.controller
}

// Handler returns the root handler, accepting cleartext HTTP/2 when enabled
func (s *Server) Handler() http.Handler {
	if s.config.Server.H2C {
		return h2c.NewHandler(s.router, &http2.Server{})
	}
	return s.router
}

// Run listens on the configured address and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config.Server
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	if cfg.WriteLimit > 0 || cfg.ReadLimit > 0 {
		s.logger.Info("bandwidth limit enabled",
			slog.Int("write_bytes_per_sec", cfg.WriteLimit),
			slog.Int("read_bytes_per_sec", cfg.ReadLimit))
	}
	return s.Serve(ctx, limitListener(ln, cfg.WriteLimit, cfg.ReadLimit))
}

// limitListener caps per-connection write and read rates in bytes per second.
// Zero leaves a direction unlimited.
func limitListener(ln net.Listener, writeLimit, readLimit int) net.Listener {
	if writeLimit <= 0 && readLimit <= 0 {
		return ln
	}
	return bwlimit.NewListener(ln, bwlimit.Byte(writeLimit), bwlimit.Byte(readLimit))
}

// Serve serves on ln until ctx is done, then shuts down gracefully. Open
// download streams are cancelled before the shutdown wait.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.config.Server
	useTLS := cfg.TLSCert != "" && cfg.TLSKey != ""

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	var h3 *http3.Server
	if cfg.HTTP3 && useTLS {
		h3 = &http3.Server{Addr: cfg.Addr, Handler: s.router}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if useTLS {
			err = httpServer.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
		} else {
			err = httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if h3 != nil {
		g.Go(func() error {
			err := h3.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			if errors.Is(err, http.ErrServerClosed) || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http3 server: %w", err)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")
		s.Close()
		cancelBase()

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if h3 != nil {
			_ = h3.Close()
		}
		return err
	})

	s.logger.Info("server listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", useTLS),
		slog.Bool("h2c", cfg.H2C),
		slog.Bool("http3", h3 != nil),
		slog.Int("chunk_size", s.source.Size()),
		slog.String("history", s.results.Backend()))

	return g.Wait()
}

// Close stops any remote-probe session and disconnects live clients
func (s *Server) Close() {
	s.controller.Stop()
	s.cancelRun()
	s.hub.Close()
}

// pageData is rendered into the HTML page
type pageData struct {
	Threads        int
	DurationMs     int
	LatencySamples int
	ProbeDelayMs   int
	TickMs         int
	UploadSize     int
	RetryBackoffMs int
}

// renderPage executes the page template once with the configured constants
func renderPage(assets fs.FS, cfg *yamlconfig.Config) ([]byte, error) {
	tmpl, err := template.ParseFS(assets, pageTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to load page template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, pageData{
		Threads:        cfg.Test.Threads,
		DurationMs:     cfg.Test.DurationMs,
		LatencySamples: cfg.Test.LatencySamples,
		ProbeDelayMs:   cfg.Test.ProbeDelayMs,
		TickMs:         cfg.Test.TickMs,
		UploadSize:     cfg.Test.UploadSize,
		RetryBackoffMs: cfg.Test.RetryBackoffMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render page: %w", err)
	}
	return buf.Bytes(), nil
}
