package runner

import "sync/atomic"

type counters struct {
	received     atomic.Uint64
	decoded      atomic.Uint64
	written      atomic.Uint64
	decodeFailed atomic.Uint64
	ingestFailed atomic.Uint64
	dropped      atomic.Uint64
}

// Stats is a point-in-time copy of the runner counters.
type Stats struct {
	Received     uint64 `json:"received"`
	Decoded      uint64 `json:"decoded"`
	Written      uint64 `json:"written"`
	DecodeFailed uint64 `json:"decode_failed"`
	IngestFailed uint64 `json:"ingest_failed"`
	// Dropped counts messages that never reached the decoder: queue overflow and
	// messages still queued at connection loss or shutdown.
	Dropped uint64 `json:"dropped"`
}

// Processed is the number of messages that went through the decoder.
func (s Stats) Processed() uint64 {
	return s.Decoded + s.DecodeFailed
}

// SuccessRate is the percentage of processed messages that were written.
func (s Stats) SuccessRate() float64 {
	p := s.Processed()
	if p == 0 {
		return 0
	}
	return float64(s.Written) / float64(p) * 100
}

// Stats returns the counters accumulated since the runner was created.
func (r *Runner) Stats() Stats {
	return Stats{
		Received:     r.stats.received.Load(),
		Decoded:      r.stats.decoded.Load(),
		Written:      r.stats.written.Load(),
		DecodeFailed: r.stats.decodeFailed.Load(),
		IngestFailed: r.stats.ingestFailed.Load(),
		Dropped:      r.stats.dropped.Load(),
	}
}

func (r *Runner) maybeLogStats() {
	s := r.Stats()
	if p := s.Processed(); p > 0 && p%uint64(r.cfg.StatsEvery) == 0 {
		r.logStats("Ingest statistics")
	}
}

func (r *Runner) logStats(msg string) {
	s := r.Stats()
	r.logger.Info().
		Uint64("received", s.Received).
		Uint64("written", s.Written).
		Uint64("decode_failed", s.DecodeFailed).
		Uint64("ingest_failed", s.IngestFailed).
		Uint64("dropped", s.Dropped).
		Float64("success_rate", s.SuccessRate()).
		Msg(msg)
}
