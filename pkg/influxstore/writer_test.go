package influxstore_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-weather/pkg/influxstore"
	"github.com/illmade-knight/go-weather/pkg/types"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Stub store ---

type stubResponse struct {
	status      int
	contentType string
	body        string
}

// stubWriteServer answers /api/v2/write with the scripted responses in order,
// repeating the last one once the script is exhausted.
type stubWriteServer struct {
	*httptest.Server
	mu        sync.Mutex
	script    []stubResponse
	calls     int
	bodies    []string
	authHeads []string
}

func newStubWriteServer(t *testing.T, script ...stubResponse) *stubWriteServer {
	t.Helper()
	s := &stubWriteServer{script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		idx := s.calls
		s.calls++
		s.bodies = append(s.bodies, string(body))
		s.authHeads = append(s.authHeads, r.Header.Get("Authorization"))
		if idx >= len(s.script) {
			idx = len(s.script) - 1
		}
		resp := s.script[idx]
		s.mu.Unlock()

		if resp.contentType != "" {
			w.Header().Set("Content-Type", resp.contentType)
		}
		w.WriteHeader(resp.status)
		_, _ = io.WriteString(w, resp.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *stubWriteServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func status(code int) stubResponse { return stubResponse{status: code} }

func newTestWriter(t *testing.T, url string, retry influxstore.RetryConfig) *influxstore.Writer {
	t.Helper()
	client := influxdb2.NewClient(url, "test-token")
	t.Cleanup(client.Close)
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return influxstore.NewWriter(client.WriteAPIBlocking("test-org", "test-bucket"), retry, logger)
}

var fastRetry = influxstore.RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxAttempts:     5,
}

func sampleRequest() types.WriteRequest {
	return types.WriteRequest{
		Measurement: "weather_data",
		Tags:        map[string]string{"source_id": "esp32-1"},
		Fields:      map[string]float64{"temperature": 21.5, "humidity": 48},
		Timestamp:   time.Unix(1714564800, 0),
	}
}

// --- Tests ---

func TestWriter_RetriesTransientThenSucceeds(t *testing.T) {
	srv := newStubWriteServer(t,
		status(http.StatusServiceUnavailable),
		status(http.StatusServiceUnavailable),
		status(http.StatusNoContent),
	)
	w := newTestWriter(t, srv.URL, fastRetry)

	err := w.Write(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, 3, srv.Calls(), "expected exactly 3 attempts")
	assert.Equal(t, "weather_data,source_id=esp32-1 humidity=48,temperature=21.5 1714564800000000000\n", srv.bodies[2])
	assert.Equal(t, "Token test-token", srv.authHeads[0])
}

func TestWriter_RejectedIsNotRetried(t *testing.T) {
	testCases := []struct {
		name string
		resp stubResponse
	}{
		{
			name: "unauthorized",
			resp: stubResponse{
				status:      http.StatusUnauthorized,
				contentType: "application/json",
				body:        `{"code":"unauthorized","message":"unauthorized access"}`,
			},
		},
		{
			name: "bad request",
			resp: stubResponse{
				status:      http.StatusBadRequest,
				contentType: "application/json",
				body:        `{"code":"invalid","message":"unable to parse points"}`,
			},
		},
		{name: "bucket not found", resp: status(http.StatusNotFound)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newStubWriteServer(t, tc.resp)
			w := newTestWriter(t, srv.URL, fastRetry)

			err := w.Write(context.Background(), sampleRequest())

			require.Error(t, err)
			assert.ErrorIs(t, err, influxstore.ErrRejected)
			assert.NotErrorIs(t, err, influxstore.ErrTransient)
			assert.Equal(t, influxstore.KindRejected, influxstore.KindOf(err))

			var ie *influxstore.IngestError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, 1, ie.Attempts)
			assert.Equal(t, tc.resp.status, ie.StatusCode)
			assert.Equal(t, 1, srv.Calls(), "rejected writes must not be retried")
		})
	}
}

func TestWriter_TransientExhaustsAttempts(t *testing.T) {
	srv := newStubWriteServer(t, status(http.StatusInternalServerError))
	w := newTestWriter(t, srv.URL, fastRetry)

	err := w.Write(context.Background(), sampleRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, influxstore.ErrTransient)
	var ie *influxstore.IngestError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 5, ie.Attempts)
	assert.Equal(t, http.StatusInternalServerError, ie.StatusCode)
	assert.Equal(t, 5, srv.Calls())
}

func TestWriter_ThrottlingIsTransient(t *testing.T) {
	srv := newStubWriteServer(t, status(http.StatusTooManyRequests), status(http.StatusNoContent))
	w := newTestWriter(t, srv.URL, fastRetry)

	require.NoError(t, w.Write(context.Background(), sampleRequest()))
	assert.Equal(t, 2, srv.Calls())
}

func TestWriter_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	w := newTestWriter(t, url, influxstore.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 3})
	err := w.Write(context.Background(), sampleRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, influxstore.ErrTransient)
	var ie *influxstore.IngestError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 3, ie.Attempts)
	assert.Equal(t, 0, ie.StatusCode)
}

func TestWriter_BackoffIsCancellable(t *testing.T) {
	srv := newStubWriteServer(t, status(http.StatusServiceUnavailable))
	w := newTestWriter(t, srv.URL, influxstore.RetryConfig{InitialInterval: 2 * time.Second, MaxInterval: 5 * time.Second, MaxAttempts: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := w.Write(ctx, sampleRequest())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, influxstore.ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second, "backoff sleep should end when the context does")
	assert.Equal(t, 1, srv.Calls())
}
