package runner_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-weather/pkg/decoder"
	"github.com/illmade-knight/go-weather/pkg/influxstore"
	"github.com/illmade-knight/go-weather/pkg/pointbuilder"
	"github.com/illmade-knight/go-weather/pkg/runner"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeSession struct {
	mu           sync.Mutex
	handler      runner.MessageHandler
	topic        string
	qos          byte
	onLost       func(error)
	subscribeErr error
	unsubscribed bool
	closed       bool
}

func (s *fakeSession) Subscribe(topic string, qos byte, handler runner.MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.topic = topic
	s.qos = qos
	s.handler = handler
	return nil
}

func (s *fakeSession) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) deliver(topic, payload string) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(types.InMessage{
		Payload:   []byte(payload),
		Topic:     topic,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
}

func (s *fakeSession) lose(err error) {
	s.mu.Lock()
	fn := s.onLost
	s.mu.Unlock()
	fn(err)
}

func (s *fakeSession) state() (unsubscribed, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed, s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	failures []error
	dials    int
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(_ context.Context, onLost func(error)) (runner.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= len(d.failures) {
		return nil, d.failures[d.dials-1]
	}
	s := &fakeSession{onLost: onLost}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

type fakeWriter struct {
	mu    sync.Mutex
	calls int
	reqs  []types.WriteRequest
	write func(ctx context.Context, req types.WriteRequest) error
}

func (w *fakeWriter) Write(ctx context.Context, req types.WriteRequest) error {
	w.mu.Lock()
	w.calls++
	fn := w.write
	w.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, req)
	}
	if err == nil {
		w.mu.Lock()
		w.reqs = append(w.reqs, req)
		w.mu.Unlock()
	}
	return err
}

func (w *fakeWriter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *fakeWriter) Requests() []types.WriteRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.WriteRequest, len(w.reqs))
	copy(out, w.reqs)
	return out
}

type roofEnricher struct{}

func (roofEnricher) Enrich(_ context.Context, rec types.MeasurementRecord) (types.MeasurementRecord, error) {
	if rec.SourceID() == "unknown" {
		return rec, errors.New("not registered")
	}
	return rec.WithTags(map[string]string{"location": "roof"}), nil
}

type recordingMirror struct {
	mu      sync.Mutex
	records []types.MeasurementRecord
}

func (m *recordingMirror) Store(_ context.Context, rec types.MeasurementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *recordingMirror) Records() []types.MeasurementRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.MeasurementRecord(nil), m.records...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// --- Helpers ---

func testConfig() runner.Config {
	cfg := runner.DefaultConfig()
	cfg.Topic = "sensors/+"
	cfg.ReconnectInitial = time.Millisecond
	cfg.ReconnectMax = 5 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

type harness struct {
	runner *runner.Runner
	dialer *fakeDialer
	writer *fakeWriter
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg runner.Config, dialer *fakeDialer, writer *fakeWriter, logger zerolog.Logger, opts ...runner.Option) *harness {
	t.Helper()
	r := runner.New(cfg, dialer, decoder.New(decoder.DefaultSchema()), pointbuilder.New("", 0), writer, logger, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{runner: r, dialer: dialer, writer: writer, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) waitSubscribed(t *testing.T, sessionIndex int) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.dialer.session(sessionIndex) != nil && h.runner.State() == runner.Subscribed
	}, 2*time.Second, time.Millisecond)
	s := h.dialer.session(sessionIndex)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.handler != nil
	}, time.Second, time.Millisecond)
	return s
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

// --- Tests ---

func TestRunner_ProcessesMessagesInOrder(t *testing.T) {
	writer := &fakeWriter{}
	h := start(t, testConfig(), &fakeDialer{}, writer, zerolog.Nop())
	sess := h.waitSubscribed(t, 0)

	assert.Equal(t, "sensors/+", sess.topic)
	assert.Equal(t, byte(1), sess.qos)

	sess.deliver("sensors/esp32-1", `{"temperature": 21.5, "humidity": 48}`)
	sess.deliver("sensors/esp32-2", `{"temperature": 19}`)
	sess.deliver("sensors/esp32-1", `{"temperature": 21.7}`)

	require.Eventually(t, func() bool { return len(writer.Requests()) == 3 }, time.Second, time.Millisecond)
	reqs := writer.Requests()

	assert.Equal(t, types.WriteRequest{
		Measurement: "weather_data",
		Tags:        map[string]string{"source_id": "esp32-1"},
		Fields:      map[string]float64{"temperature": 21.5, "humidity": 48},
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, reqs[0])
	assert.Equal(t, "esp32-2", reqs[1].Tags["source_id"])
	assert.Equal(t, 21.7, reqs[2].Fields["temperature"])

	stats := h.runner.Stats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(3), stats.Written)
	assert.Equal(t, 100.0, stats.SuccessRate())
}

func TestRunner_DecodeFailureIsLoggedAndDropped(t *testing.T) {
	logs := &syncBuffer{}
	writer := &fakeWriter{}
	h := start(t, testConfig(), &fakeDialer{}, writer, zerolog.New(logs))
	sess := h.waitSubscribed(t, 0)

	sess.deliver("sensors/esp32-1", `not json`)
	sess.deliver("sensors/esp32-1", `{"wind": 3}`)
	sess.deliver("sensors/esp32-1", `{"temperature": 21.5}`)

	require.Eventually(t, func() bool { return len(writer.Requests()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, writer.Calls(), "undecodable messages must never reach the writer")

	stats := h.runner.Stats()
	assert.Equal(t, uint64(2), stats.DecodeFailed)
	assert.Equal(t, uint64(1), stats.Written)

	out := logs.String()
	assert.Contains(t, out, `"error_kind":"malformed"`)
	assert.Contains(t, out, `"error_kind":"empty"`)
	assert.Contains(t, out, `"payload":"not json"`)
	assert.Contains(t, out, `"topic":"sensors/esp32-1"`)
}

func TestRunner_IngestFailureIsLoggedAndDropped(t *testing.T) {
	logs := &syncBuffer{}
	writer := &fakeWriter{write: func(_ context.Context, req types.WriteRequest) error {
		if req.Tags["source_id"] == "bad" {
			return &influxstore.IngestError{Kind: influxstore.KindRejected, Attempts: 1, StatusCode: 400, Err: errors.New("unable to parse points")}
		}
		return nil
	}}
	h := start(t, testConfig(), &fakeDialer{}, writer, zerolog.New(logs))
	sess := h.waitSubscribed(t, 0)

	sess.deliver("sensors/bad", `{"temperature": 1}`)
	sess.deliver("sensors/good", `{"temperature": 2}`)

	require.Eventually(t, func() bool { return writer.Calls() == 2 }, time.Second, time.Millisecond)
	require.Len(t, writer.Requests(), 1)
	assert.Equal(t, "good", writer.Requests()[0].Tags["source_id"])
	assert.Equal(t, uint64(1), h.runner.Stats().IngestFailed)
	assert.Contains(t, logs.String(), `"error_kind":"rejected"`)
}

func TestRunner_RetriesDialUntilConnected(t *testing.T) {
	dialer := &fakeDialer{failures: []error{errors.New("connection refused"), errors.New("connection refused")}}
	h := start(t, testConfig(), dialer, &fakeWriter{}, zerolog.Nop())

	h.waitSubscribed(t, 0)
	assert.Equal(t, 3, dialer.Dials())
}

func TestRunner_RetriesWhenSubscribeFails(t *testing.T) {
	dialer := &fakeDialer{}
	writer := &fakeWriter{}
	r := runner.New(testConfig(), &subscribeOnceFailing{inner: dialer}, decoder.New(decoder.DefaultSchema()), pointbuilder.New("", 0), writer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.State() == runner.Subscribed }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 2, dialer.Dials())
	first := dialer.session(0)
	_, closed := first.state()
	assert.True(t, closed, "a session whose subscribe failed must be closed")
}

// subscribeOnceFailing makes the first session refuse its subscription.
type subscribeOnceFailing struct {
	inner *fakeDialer
	once  sync.Once
}

func (d *subscribeOnceFailing) Dial(ctx context.Context, onLost func(error)) (runner.Session, error) {
	s, err := d.inner.Dial(ctx, onLost)
	if err != nil {
		return nil, err
	}
	d.once.Do(func() { s.(*fakeSession).subscribeErr = errors.New("not authorized") })
	return s, nil
}

func TestRunner_ReconnectsAfterConnectionLoss(t *testing.T) {
	dialer := &fakeDialer{}
	writer := &fakeWriter{}
	h := start(t, testConfig(), dialer, writer, zerolog.Nop())

	first := h.waitSubscribed(t, 0)
	first.deliver("sensors/esp32-1", `{"temperature": 20}`)
	require.Eventually(t, func() bool { return len(writer.Requests()) == 1 }, time.Second, time.Millisecond)

	first.lose(errors.New("keepalive timeout"))

	second := h.waitSubscribed(t, 1)
	unsubscribed, closed := first.state()
	assert.True(t, closed)
	assert.False(t, unsubscribed, "a lost session is not unsubscribed")

	// Late deliveries on the dead session are ignored.
	first.deliver("sensors/esp32-1", `{"temperature": 99}`)
	second.deliver("sensors/esp32-1", `{"temperature": 21}`)

	require.Eventually(t, func() bool { return len(writer.Requests()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 21.0, writer.Requests()[1].Fields["temperature"])
	assert.Equal(t, 2, dialer.Dials())
}

func TestRunner_ShutdownUnsubscribesAndCloses(t *testing.T) {
	h := start(t, testConfig(), &fakeDialer{}, &fakeWriter{}, zerolog.Nop())
	sess := h.waitSubscribed(t, 0)

	h.stop(t)

	unsubscribed, closed := sess.state()
	assert.True(t, unsubscribed)
	assert.True(t, closed)
	assert.Equal(t, runner.Disconnected, h.runner.State())
}

func TestRunner_ShutdownDuringWrite(t *testing.T) {
	started := make(chan struct{})
	writer := &fakeWriter{write: func(ctx context.Context, _ types.WriteRequest) error {
		close(started)
		<-ctx.Done()
		return &influxstore.IngestError{Kind: influxstore.KindTransient, Attempts: 1, Err: ctx.Err()}
	}}
	h := start(t, testConfig(), &fakeDialer{}, writer, zerolog.Nop())
	sess := h.waitSubscribed(t, 0)

	sess.deliver("sensors/esp32-1", `{"temperature": 20}`)
	<-started

	h.stop(t)
	unsubscribed, closed := sess.state()
	assert.True(t, unsubscribed)
	assert.True(t, closed)
}

func TestRunner_ShutdownStopsQueuedMessages(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	writer := &fakeWriter{write: func(ctx context.Context, _ types.WriteRequest) error {
		once.Do(func() {
			close(started)
			<-ctx.Done()
		})
		return nil
	}}
	h := start(t, testConfig(), &fakeDialer{}, writer, zerolog.Nop())
	sess := h.waitSubscribed(t, 0)

	sess.deliver("sensors/esp32-1", `{"temperature": 20}`)
	<-started
	for i := 0; i < 49; i++ {
		sess.deliver("sensors/esp32-1", fmt.Sprintf(`{"temperature": %d}`, i))
	}

	h.stop(t)

	stats := h.runner.Stats()
	assert.Equal(t, 1, writer.Calls(), "no write may start after shutdown")
	assert.Equal(t, uint64(1), stats.Written)
	assert.Zero(t, stats.IngestFailed)
	assert.Zero(t, stats.DecodeFailed)
	assert.Equal(t, uint64(49), stats.Dropped)
	assert.Equal(t, uint64(50), stats.Received)
}

func TestRunner_SlowWriteIsBoundedByTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	writer := &fakeWriter{write: func(ctx context.Context, _ types.WriteRequest) error {
		<-ctx.Done()
		return &influxstore.IngestError{Kind: influxstore.KindTransient, Attempts: 1, Err: ctx.Err()}
	}}
	h := start(t, cfg, &fakeDialer{}, writer, zerolog.Nop())
	sess := h.waitSubscribed(t, 0)

	sess.deliver("sensors/esp32-1", `{"temperature": 20}`)
	sess.deliver("sensors/esp32-1", `{"temperature": 21}`)

	require.Eventually(t, func() bool { return writer.Calls() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.runner.Stats().IngestFailed == 2 }, time.Second, time.Millisecond)
}

func TestRunner_EnrichesAndMirrors(t *testing.T) {
	writer := &fakeWriter{}
	mirror := &recordingMirror{}
	h := start(t, testConfig(), &fakeDialer{}, writer, zerolog.Nop(),
		runner.WithEnricher(roofEnricher{}), runner.WithMirror(mirror))
	sess := h.waitSubscribed(t, 0)

	sess.deliver("sensors/esp32-1", `{"temperature": 20}`)
	sess.deliver("sensors/unknown", `{"temperature": 21}`)

	require.Eventually(t, func() bool { return len(mirror.Records()) == 2 }, time.Second, time.Millisecond)
	reqs := writer.Requests()
	assert.Equal(t, map[string]string{"source_id": "esp32-1", "location": "roof"}, reqs[0].Tags)
	assert.Equal(t, map[string]string{"source_id": "unknown"}, reqs[1].Tags)
	assert.Equal(t, "roof", mirror.Records()[0].Tags()["location"])
}

func TestRunner_DropsWhenQueueIsFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	writer := &fakeWriter{write: func(ctx context.Context, _ types.WriteRequest) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}}
	h := start(t, cfg, &fakeDialer{}, writer, zerolog.Nop())
	sess := h.waitSubscribed(t, 0)

	sess.deliver("sensors/a", `{"temperature": 1}`)
	<-started
	sess.deliver("sensors/b", `{"temperature": 2}`)
	sess.deliver("sensors/c", `{"temperature": 3}`)

	assert.Equal(t, uint64(1), h.runner.Stats().Dropped)
	close(release)

	require.Eventually(t, func() bool { return len(writer.Requests()) == 2 }, time.Second, time.Millisecond)
	reqs := writer.Requests()
	assert.Equal(t, "a", reqs[0].Tags["source_id"])
	assert.Equal(t, "b", reqs[1].Tags["source_id"])
}

func TestStats_SuccessRate(t *testing.T) {
	assert.Zero(t, runner.Stats{}.SuccessRate())
	s := runner.Stats{Decoded: 8, DecodeFailed: 2, Written: 6}
	assert.Equal(t, uint64(10), s.Processed())
	assert.InDelta(t, 60.0, s.SuccessRate(), 1e-9)
}
