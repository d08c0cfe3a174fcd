// Package controller orchestrates a measurement session: a latency phase
// followed by download and upload throughput phases driven by a worker pool.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/alllike996/speedtest-esa/internal/errorhandler"
	"github.com/alllike996/speedtest-esa/internal/tester"
	"github.com/alllike996/speedtest-esa/internal/workerpool"
	"github.com/alllike996/speedtest-esa/internal/yamlconfig"
	"github.com/alllike996/speedtest-esa/pkg/models"
)

// saveTimeout bounds how long a finished result may take to store
const saveTimeout = 5 * time.Second

// Config holds the measurement parameters of a session
type Config struct {
	Target         string
	Protocol       tester.Protocol
	Insecure       bool
	Threads        int
	PhaseDuration  time.Duration
	LatencySamples int
	ProbeDelay     time.Duration
	TickInterval   time.Duration
	UploadSize     int
	ReadSize       int
	RetryBackoff   time.Duration
	StopTimeout    time.Duration
}

// DefaultConfig returns the standard 4 thread, 10 second configuration
func DefaultConfig(target string) Config {
	return Config{
		Target:         target,
		Protocol:       tester.ProtocolHTTP1,
		Threads:        yamlconfig.DefaultThreads,
		PhaseDuration:  yamlconfig.DefaultDurationMs * time.Millisecond,
		LatencySamples: yamlconfig.DefaultLatencySamples,
		ProbeDelay:     yamlconfig.DefaultProbeDelayMs * time.Millisecond,
		TickInterval:   yamlconfig.DefaultTickMs * time.Millisecond,
		UploadSize:     yamlconfig.DefaultUploadSize,
		ReadSize:       yamlconfig.DefaultReadSize,
		RetryBackoff:   yamlconfig.DefaultRetryBackoffMs * time.Millisecond,
		StopTimeout:    yamlconfig.DefaultStopTimeoutMs * time.Millisecond,
	}
}

// ConfigFromYAML builds a Config from the test section of the config file
func ConfigFromYAML(t yamlconfig.TestConfig, target string) (Config, error) {
	protocol, err := tester.ParseProtocol(t.Protocol)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Target:         target,
		Protocol:       protocol,
		Insecure:       t.InsecureSkipVerify,
		Threads:        t.Threads,
		PhaseDuration:  t.Duration(),
		LatencySamples: t.LatencySamples,
		ProbeDelay:     t.ProbeDelay(),
		TickInterval:   t.TickInterval(),
		UploadSize:     t.UploadSize,
		ReadSize:       t.ReadSize,
		RetryBackoff:   t.RetryBackoff(),
		StopTimeout:    t.StopTimeout(),
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("target %q must be an http or https url", c.Target))
	}
	if c.Threads < 1 {
		errs = append(errs, errors.New("threads must be at least 1"))
	}
	if c.PhaseDuration <= 0 {
		errs = append(errs, errors.New("phase duration must be positive"))
	}
	if c.LatencySamples < 1 {
		errs = append(errs, errors.New("latency samples must be at least 1"))
	}
	if c.ProbeDelay < 0 {
		errs = append(errs, errors.New("probe delay cannot be negative"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.UploadSize < 1 {
		errs = append(errs, errors.New("upload size must be positive"))
	}
	if c.ReadSize < 1 {
		errs = append(errs, errors.New("read size must be positive"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("stop timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Observer receives live ticks. OnTick is called from the tick goroutine and
// must not block.
type Observer interface {
	OnTick(tick models.Tick)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(tick models.Tick)

// OnTick calls f(tick)
func (f ObserverFunc) OnTick(tick models.Tick) { f(tick) }

// ResultSink stores finished session results
type ResultSink interface {
	Add(ctx context.Context, result *models.SessionResult) error
}

// Status is a point-in-time view of the controller
type Status struct {
	Running    bool                        `json:"running"`
	SessionID  string                      `json:"session_id,omitempty"`
	Phase      models.Phase                `json:"phase"`
	Progress   float64                     `json:"progress"`
	LastTick   *models.Tick                `json:"last_tick,omitempty"`
	Workers    *workerpool.WorkerPoolStats `json:"workers,omitempty"`
	LastResult *models.SessionResult       `json:"last_result,omitempty"`
}

// Controller runs one session at a time
type Controller struct {
	cfg     Config
	results ResultSink
	errors  *errorhandler.ErrorHandler
	logger  *slog.Logger

	mu         sync.Mutex
	running    bool
	busy       bool
	cancel     context.CancelFunc
	session    *Session
	lastResult *models.SessionResult
	observers  []Observer
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResultSink stores every finished result in sink
func WithResultSink(sink ResultSink) Option {
	return func(c *Controller) { c.results = sink }
}

// WithErrorHandler shares an error handler with the caller
func WithErrorHandler(eh *errorhandler.ErrorHandler) Option {
	return func(c *Controller) {
		if eh != nil {
			c.errors = eh
		}
	}
}

// New creates a controller
func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	c := &Controller{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.errors == nil {
		c.errors = errorhandler.New(c.logger)
	}
	if cfg.RetryBackoff > 0 {
		c.errors.SetRetryPolicy(errorhandler.ErrorTypeTransient, &errorhandler.RetryPolicy{
			InitialDelay:  cfg.RetryBackoff,
			MaxDelay:      cfg.RetryBackoff,
			BackoffFactor: 1.0,
		})
	}
	c.logger = c.logger.With(slog.String("component", "controller"))
	return c, nil
}

// Config returns the controller configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Errors returns the error handler collecting worker failures
func (c *Controller) Errors() *errorhandler.ErrorHandler {
	return c.errors
}

// AddObserver registers an observer for live ticks
func (c *Controller) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Controller) emit(tick models.Tick) {
	c.mu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, o := range observers {
		o.OnTick(tick)
	}
}

// Start runs a full session and blocks until it ends. A stop yields a result
// with status stopped and a nil error. It returns ErrAlreadyRunning while
// another session is active or still tearing down.
func (c *Controller) Start(ctx context.Context) (*models.SessionResult, error) {
	session, runCtx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return c.run(runCtx, session)
}

// StartAsync starts a session in the background and returns its ID.
// ctx must outlive the request that triggered the start.
func (c *Controller) StartAsync(ctx context.Context) (string, error) {
	session, runCtx, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = c.run(runCtx, session)
	}()
	return session.ID, nil
}

// Stop cancels the running session. It is a no-op when nothing is running.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("stop requested")
}

// IsRunning reports whether a session is running
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns the current controller state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Running:    c.running,
		Phase:      models.PhaseIdle,
		LastResult: c.lastResult,
	}
	if c.session != nil {
		status.SessionID = c.session.ID
		status.Phase = c.session.Phase()
		status.Progress = c.session.Progress()
		status.LastTick = c.session.LastTick()
		status.Workers = c.session.WorkerStats()
	}
	return status
}

func (c *Controller) begin(parent context.Context) (*Session, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.busy {
		return nil, nil, errorhandler.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	c.running = true
	c.busy = true
	c.cancel = cancel
	c.session = newSession()
	return c.session, ctx, nil
}

func (c *Controller) end(result *models.SessionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.busy = false
	c.cancel = nil
	c.lastResult = result
}

func (c *Controller) run(ctx context.Context, s *Session) (result *models.SessionResult, err error) {
	result = &models.SessionResult{
		ID:            s.ID,
		Target:        c.cfg.Target,
		Protocol:      string(c.cfg.Protocol),
		Threads:       c.cfg.Threads,
		PhaseDuration: c.cfg.PhaseDuration,
		StartedAt:     time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
		result, err = c.finish(s, result, err)
		c.end(result)
	}()

	logger := c.logger.With(slog.String("session", s.ID))
	logger.Info("session started",
		slog.String("target", c.cfg.Target),
		slog.String("protocol", string(c.cfg.Protocol)),
		slog.Int("threads", c.cfg.Threads),
		slog.Duration("duration", c.cfg.PhaseDuration))

	st, release, err := c.newTester()
	if err != nil {
		return result, err
	}
	defer release()

	return result, c.runPhases(ctx, s, st, result)
}

// newTester builds the per-session tester and a func releasing its client
func (c *Controller) newTester() (*tester.SpeedTester, func(), error) {
	opts := []tester.Option{
		tester.WithPayloadSize(c.cfg.UploadSize),
		tester.WithReadSize(c.cfg.ReadSize),
		tester.WithErrorHandler(c.errors),
		tester.WithLogger(c.logger),
	}
	u, err := url.Parse(c.cfg.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid target: %w", err)
	}
	client, err := tester.NewHTTPClient(c.cfg.Protocol, u.Scheme, c.cfg.Insecure)
	if err != nil {
		return nil, nil, err
	}
	st, err := tester.New(client, c.cfg.Target, opts...)
	if err != nil {
		tester.CloseClient(client)
		return nil, nil, err
	}
	return st, func() { tester.CloseClient(client) }, nil
}

// finish maps the run outcome onto a terminal status, stores the result and
// emits the final tick. Stops are not errors.
func (c *Controller) finish(s *Session, result *models.SessionResult, err error) (*models.SessionResult, error) {
	result.FinishedAt = time.Now()
	floor := 0.0

	switch {
	case err == nil:
		result.Status = models.StatusDone
		s.setPhase(models.PhaseDone)
		floor = 100
	case errors.Is(err, errorhandler.ErrStopped):
		result.Status = models.StatusStopped
		s.setPhase(models.PhaseStopped)
		err = nil
	default:
		result.Status = models.StatusFailed
		result.Error = err.Error()
		s.setPhase(models.PhaseDone)
		c.errors.Record(err, "controller", "run")
	}

	if c.results != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if saveErr := c.results.Add(ctx, result); saveErr != nil {
			c.logger.Warn("failed to store result",
				slog.String("session", result.ID),
				slog.String("error", saveErr.Error()))
		}
		cancel()
	}

	c.emit(s.record(models.Tick{
		Phase:     s.Phase(),
		LatencyMs: result.LatencyMs,
		Final:     true,
	}, floor))

	c.logger.Info("session finished",
		slog.String("session", result.ID),
		slog.String("status", string(result.Status)),
		slog.Float64("latency_ms", result.LatencyMs),
		slog.Float64("download_mbps", result.DownloadMbps),
		slog.Float64("upload_mbps", result.UploadMbps))
	return result, err
}
