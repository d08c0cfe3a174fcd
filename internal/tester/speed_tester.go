package tester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alllike996/speedtest-esa/internal/errorhandler"
)

const (
	// DefaultReadSize is the buffer each download worker reads into
	DefaultReadSize = 64 << 10
	// DefaultPayloadSize is the size of every upload request body
	DefaultPayloadSize = 2 << 20

	PingPath     = "/api/ping"
	DownloadPath = "/api/down"
	UploadPath   = "/api/up"
)

// SpeedTester runs the transfer loops of a session against one server
type SpeedTester struct {
	client   *http.Client
	baseURL  *url.URL
	readSize int
	payload  []byte
	errors   *errorhandler.ErrorHandler
	logger   *slog.Logger
}

// Option configures a SpeedTester
type Option func(*SpeedTester)

// WithReadSize sets the download read buffer size
func WithReadSize(n int) Option {
	return func(st *SpeedTester) {
		if n > 0 {
			st.readSize = n
		}
	}
}

// WithPayloadSize sets the upload body size
func WithPayloadSize(n int) Option {
	return func(st *SpeedTester) {
		if n > 0 {
			st.payload = NewPayload(n)
		}
	}
}

// WithErrorHandler shares an error handler with the caller
func WithErrorHandler(eh *errorhandler.ErrorHandler) Option {
	return func(st *SpeedTester) {
		if eh != nil {
			st.errors = eh
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(st *SpeedTester) {
		if logger != nil {
			st.logger = logger
		}
	}
}

// New creates a speed tester for the server at baseURL
func New(client *http.Client, baseURL string, opts ...Option) (*SpeedTester, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	st := &SpeedTester{
		client:   client,
		baseURL:  u,
		readSize: DefaultReadSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.payload == nil {
		st.payload = NewPayload(DefaultPayloadSize)
	}
	if st.errors == nil {
		st.errors = errorhandler.New(st.logger)
	}
	st.logger = st.logger.With(slog.String("component", "tester"))
	return st, nil
}

// NewPayload builds an upload body. Every 1024th byte carries a small
// pattern so the body is not all zeros.
func NewPayload(size int) []byte {
	payload := make([]byte, size)
	for i := 0; i < size; i += 1024 {
		payload[i] = byte(i % 255)
	}
	return payload
}

// endpoint joins path onto the base URL and adds a cache-busting query
func (st *SpeedTester) endpoint(path string) string {
	u := *st.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	q := u.Query()
	q.Set("t", strconv.FormatUint(rand.Uint64(), 36))
	u.RawQuery = q.Encode()
	return u.String()
}

// Ping performs one latency probe and returns the round-trip time including
// the full response body read.
func (st *SpeedTester) Ping(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.endpoint(PingPath), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create ping request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	start := time.Now()
	resp, err := st.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ping failed: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, fmt.Errorf("failed to read ping response: %w", err)
	}
	rtt := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return 0, &errorhandler.StatusError{Endpoint: PingPath, Code: resp.StatusCode}
	}
	return rtt, nil
}

// Download streams from the download endpoint until ctx is done, adding every
// byte read to counter. A stream that ends is reopened at once; a failed one
// is recorded and reopened after the transient backoff. Reads that complete
// after cancellation are not counted.
func (st *SpeedTester) Download(ctx context.Context, counter *atomic.Uint64) error {
	attempt := 0
	for ctx.Err() == nil {
		err := st.downloadOnce(ctx, counter)
		if err == nil {
			if attempt > 0 {
				st.errors.RecordSuccess(errorhandler.ErrorTypeTransient)
			}
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		st.errors.Record(err, "tester", "download")
		if st.errors.Wait(ctx, errorhandler.ErrorTypeTransient, attempt) != nil {
			return nil
		}
		attempt++
	}
	return nil
}

// downloadOnce reads one stream until it ends or ctx is done
func (st *SpeedTester) downloadOnce(ctx context.Context, counter *atomic.Uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.endpoint(DownloadPath), nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := st.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to start download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &errorhandler.StatusError{Endpoint: DownloadPath, Code: resp.StatusCode}
	}

	buf := make([]byte, st.readSize)
	read := 0
	for {
		n, err := resp.Body.Read(buf)
		if ctx.Err() != nil {
			return nil
		}
		if n > 0 {
			counter.Add(uint64(n))
			read += n
		}
		if err != nil {
			if read == 0 && errors.Is(err, io.EOF) {
				return fmt.Errorf("download stream ended without data: %w", io.ErrUnexpectedEOF)
			}
			if errorhandler.IsExpectedClose(err) {
				return nil
			}
			return fmt.Errorf("error reading data: %w", err)
		}
	}
}

// Upload posts the payload back to back until ctx is done, adding bytes to
// counter as the transport consumes the request body. A failed request is
// recorded and retried after the transient backoff.
func (st *SpeedTester) Upload(ctx context.Context, counter *atomic.Uint64) error {
	attempt := 0
	for ctx.Err() == nil {
		err := st.uploadOnce(ctx, counter)
		if err == nil {
			if attempt > 0 {
				st.errors.RecordSuccess(errorhandler.ErrorTypeTransient)
			}
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		st.errors.Record(err, "tester", "upload")
		if st.errors.Wait(ctx, errorhandler.ErrorTypeTransient, attempt) != nil {
			return nil
		}
		attempt++
	}
	return nil
}

func (st *SpeedTester) uploadOnce(ctx context.Context, counter *atomic.Uint64) error {
	body := &countingReader{r: bytes.NewReader(st.payload), counter: counter}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.endpoint(UploadPath), body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = int64(len(st.payload))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := st.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &errorhandler.StatusError{Endpoint: UploadPath, Code: resp.StatusCode}
	}
	return nil
}

// countingReader adds the size of every read to a shared counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.counter.Add(uint64(n))
	}
	return n, err
}
