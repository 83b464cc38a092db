// Package sampler captures a fixed number of raw messages from a topic, annotated with
// whether the decoder accepts them.
package sampler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/illmade-knight/go-weather/pkg/decoder"
	"github.com/illmade-knight/go-weather/pkg/runner"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

// CapturedMessage is a single message saved to the output file.
type CapturedMessage struct {
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	SourceID  string          `json:"source_id,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Sampler subscribes through a runner.Dialer and keeps the first n messages.
type Sampler struct {
	dialer      runner.Dialer
	topic       string
	qos         byte
	numMessages int
	decoder     runner.Decoder
	logger      zerolog.Logger

	mu       sync.Mutex
	messages []CapturedMessage
	full     chan struct{}
}

func NewSampler(dialer runner.Dialer, topic string, qos byte, numMessages int, logger zerolog.Logger) *Sampler {
	if numMessages <= 0 {
		numMessages = 1
	}
	return &Sampler{
		dialer:      dialer,
		topic:       topic,
		qos:         qos,
		numMessages: numMessages,
		decoder:     decoder.New(decoder.DefaultSchema()),
		logger:      logger.With().Str("component", "Sampler").Logger(),
		messages:    make([]CapturedMessage, 0, numMessages),
		full:        make(chan struct{}),
	}
}

// Run captures until the target count is reached, ctx is cancelled, or the connection
// drops. Only a failure to connect or subscribe is an error.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info().Str("topic", s.topic).Int("target_count", s.numMessages).Msg("Starting sampler run")

	lost := make(chan error, 1)
	sess, err := s.dialer.Dial(ctx, func(err error) {
		select {
		case lost <- err:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("could not connect sampler: %w", err)
	}
	defer sess.Close()

	if err := sess.Subscribe(s.topic, s.qos, s.capture); err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", s.topic, err)
	}

	select {
	case <-s.full:
		s.logger.Info().Msg("Target message count reached")
	case <-ctx.Done():
		s.logger.Info().Msg("Sampler cancelled")
	case err := <-lost:
		s.logger.Warn().Err(err).Msg("Connection lost, stopping sampler")
		return nil
	}
	if err := sess.Unsubscribe(s.topic); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to unsubscribe")
	}
	return nil
}

func (s *Sampler) capture(msg types.InMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) >= s.numMessages {
		return
	}

	captured := CapturedMessage{
		Timestamp: msg.Timestamp,
		Topic:     msg.Topic,
		Payload:   prettyPayload(msg.Payload),
	}
	if rec, err := s.decoder.Decode(msg.Payload, msg.Topic); err != nil {
		captured.ErrorKind = decoder.KindOf(err).String()
		captured.Error = err.Error()
	} else {
		captured.SourceID = rec.SourceID()
	}
	s.messages = append(s.messages, captured)
	s.logger.Info().Int("captured_count", len(s.messages)).Int("target_count", s.numMessages).Msg("Message captured")

	if len(s.messages) == s.numMessages {
		close(s.full)
	}
}

// prettyPayload indents JSON payloads and quotes anything else as a JSON string.
func prettyPayload(payload []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err == nil {
		return buf.Bytes()
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

// Messages returns a copy of the captured messages.
func (s *Sampler) Messages() []CapturedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// ErrNothingCaptured is returned by WriteJSON when no message arrived.
var ErrNothingCaptured = errors.New("no messages were captured")

// WriteJSON writes the captured messages to w as an indented JSON array.
func (s *Sampler) WriteJSON(w io.Writer) error {
	messages := s.Messages()
	if len(messages) == 0 {
		return ErrNothingCaptured
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(messages); err != nil {
		return fmt.Errorf("could not encode messages to JSON: %w", err)
	}
	return nil
}
