package tester

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alllike996/speedtest-esa/internal/errorhandler"
	"github.com/alllike996/speedtest-esa/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// testBackend is a minimal speed test server
type testBackend struct {
	source       *stream.Source
	received     atomic.Int64
	uploads      atomic.Int32
	failUploads  atomic.Int32
	lastProtocol atomic.Int32
}

func newTestBackend() *testBackend {
	return &testBackend{source: stream.NewSource(64 << 10)}
}

func (b *testBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PingPath, func(w http.ResponseWriter, r *http.Request) {
		b.lastProtocol.Store(int32(r.ProtoMajor))
		_, _ = io.WriteString(w, "pong")
	})
	mux.HandleFunc(DownloadPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = b.source.Stream(r.Context(), w)
	})
	mux.HandleFunc(UploadPath, func(w http.ResponseWriter, r *http.Request) {
		n, _ := stream.Drain(r.Body)
		b.received.Add(n)
		if b.failUploads.Load() > 0 {
			b.failUploads.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		b.uploads.Add(1)
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTester(t *testing.T, baseURL string, opts ...Option) *SpeedTester {
	t.Helper()
	client, err := NewHTTPClient(ProtocolHTTP1, "http", false)
	require.NoError(t, err)
	t.Cleanup(func() { CloseClient(client) })

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	st, err := New(client, baseURL, opts...)
	require.NoError(t, err)
	return st
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "http://", "::bad"} {
		_, err := New(nil, raw)
		assert.Error(t, err, raw)
	}
}

func TestEndpointAddsCacheBuster(t *testing.T) {
	st, err := New(nil, "http://example.com/speed/")
	require.NoError(t, err)

	a := st.endpoint(PingPath)
	b := st.endpoint(PingPath)
	assert.Contains(t, a, "http://example.com/speed/api/ping?t=")
	assert.NotEqual(t, a, b)
}

func TestNewPayloadPattern(t *testing.T) {
	payload := NewPayload(4096)
	require.Len(t, payload, 4096)
	assert.Equal(t, byte(0), payload[0])
	assert.Equal(t, byte(1024%255), payload[1024])
	assert.Equal(t, byte(3072%255), payload[3072])
	assert.Equal(t, byte(0), payload[1])
}

func TestPing(t *testing.T) {
	backend := newTestBackend()
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	st := newTester(t, srv.URL)
	rtt, err := st.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Equal(t, int32(1), backend.lastProtocol.Load())
}

func TestPingStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTester(t, srv.URL).Ping(context.Background())
	var statusErr *errorhandler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestDownloadCountsUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(newTestBackend().handler())
	defer srv.Close()

	st := newTester(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var counter atomic.Uint64
	require.NoError(t, st.Download(ctx, &counter))
	assert.Greater(t, counter.Load(), uint64(0))

	frozen := counter.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, counter.Load(), "no bytes are counted after cancellation")
}

func TestDownloadReconnectsAfterStreamEnds(t *testing.T) {
	const size = 64 << 10
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(make([]byte, size))
	}))
	defer srv.Close()

	eh := errorhandler.New(quietLogger())
	st := newTester(t, srv.URL, WithErrorHandler(eh))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var counter atomic.Uint64
	require.NoError(t, st.Download(ctx, &counter))

	n := requests.Load()
	assert.Greater(t, n, int32(1), "a finished stream is reopened")
	assert.GreaterOrEqual(t, counter.Load(), uint64(n-1)*size)
	assert.Empty(t, eh.GetErrorStats(), "an ended stream is not a failure")
}

func TestDownloadRetriesFailedStreams(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	eh := errorhandler.New(quietLogger())
	eh.SetRetryPolicy(errorhandler.ErrorTypeTransient, &errorhandler.RetryPolicy{
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 1,
	})
	st := newTester(t, srv.URL, WithErrorHandler(eh), WithReadSize(1024))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var counter atomic.Uint64
	go func() { done <- st.Download(ctx, &counter) }()

	require.Eventually(t, func() bool { return counter.Load() >= 3*4096 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stats := eh.GetErrorStats()[errorhandler.ErrorTypeTransient]
	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 2, stats.RetryCount)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Contains(t, stats.LastMessage, "503")
}

func TestDownloadEmptyStreamIsAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	eh := errorhandler.New(quietLogger())
	eh.SetRetryPolicy(errorhandler.ErrorTypeTransient, &errorhandler.RetryPolicy{
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 1,
	})
	st := newTester(t, srv.URL, WithErrorHandler(eh))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var counter atomic.Uint64
	require.NoError(t, st.Download(ctx, &counter))
	assert.Zero(t, counter.Load())

	stats := eh.GetErrorStats()[errorhandler.ErrorTypeTransient]
	assert.Greater(t, stats.TotalCount, 0)
	assert.LessOrEqual(t, stats.TotalCount, 10, "empty streams are paced by the backoff")
}

func TestUploadOnceCountsWholePayload(t *testing.T) {
	backend := newTestBackend()
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	st := newTester(t, srv.URL, WithPayloadSize(256<<10))
	var counter atomic.Uint64
	require.NoError(t, st.uploadOnce(context.Background(), &counter))

	assert.Equal(t, uint64(256<<10), counter.Load())
	assert.Equal(t, int64(256<<10), backend.received.Load())
	assert.Equal(t, int32(1), backend.uploads.Load())
}

func TestUploadRetriesAfterFailures(t *testing.T) {
	backend := newTestBackend()
	backend.failUploads.Store(2)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	eh := errorhandler.New(quietLogger())
	eh.SetRetryPolicy(errorhandler.ErrorTypeTransient, &errorhandler.RetryPolicy{
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 1,
	})
	st := newTester(t, srv.URL, WithPayloadSize(64<<10), WithErrorHandler(eh))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var counter atomic.Uint64
	go func() { done <- st.Upload(ctx, &counter) }()

	require.Eventually(t, func() bool { return backend.uploads.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stats := eh.GetErrorStats()[errorhandler.ErrorTypeTransient]
	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 2, stats.RetryCount)
	assert.GreaterOrEqual(t, counter.Load(), uint64(5*64<<10))
}

func TestHTTP2CleartextClient(t *testing.T) {
	backend := newTestBackend()
	srv := httptest.NewServer(h2c.NewHandler(backend.handler(), &http2.Server{}))
	defer srv.Close()

	client, err := NewHTTPClient(ProtocolHTTP2, "http", false)
	require.NoError(t, err)
	defer CloseClient(client)

	st, err := New(client, srv.URL, WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = st.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.lastProtocol.Load())
}

func TestNewHTTPClientProtocols(t *testing.T) {
	_, err := NewHTTPClient(ProtocolHTTP3, "http", false)
	assert.Error(t, err, "h3 needs TLS")

	client, err := NewHTTPClient(ProtocolHTTP3, "https", true)
	require.NoError(t, err)
	CloseClient(client)

	client, err = NewHTTPClient(ProtocolHTTP2, "https", false)
	require.NoError(t, err)
	CloseClient(client)

	_, err = NewHTTPClient(Protocol("spdy"), "https", false)
	assert.Error(t, err)
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{"", ProtocolHTTP1, false},
		{"h1", ProtocolHTTP1, false},
		{" H2 ", ProtocolHTTP2, false},
		{"h3", ProtocolHTTP3, false},
		{"quic", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProtocol(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
