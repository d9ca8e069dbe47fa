package output

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/castun/mpegts"
)

// State names the PCR pacer's position in its lifecycle.
type State int32

// Pacer states, per astra's thread_loop: a flush-and-rebuffer phase, the
// search for an initial PCR anchor, steady-state pacing, and a
// self-contained reset triggered by any anomaly (PCR absent, block time out
// of range, or clock drift beyond the tolerance).
const (
	StateBuffering State = iota
	StateFirstPCR
	StatePacing
	StateResetOnError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "BUFFERING"
	case StateFirstPCR:
		return "FIRST_PCR"
	case StatePacing:
		return "PACING"
	case StateResetOnError:
		return "RESET_ON_ERROR"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// pollInterval governs how often Buffering re-checks ring occupancy,
// matching astra's 100us nanosleep poll in thread_loop's flush wait.
const pollInterval = 100 * time.Microsecond

// maxBlockTimeMs and driftToleranceMs bound a healthy pacing block, per
// spec: block_time_ms must fall in (0, 200] and accumulated drift must stay
// within +/-100ms of real wall-clock time.
const (
	maxBlockTimeMs   = 200.0
	driftToleranceMs = 100.0
)

// stateHolder exposes the pacer's current state for observability; it is
// read far more often than written so a plain atomic is sufficient.
type stateHolder struct{ v atomic.Int32 }

func (h *stateHolder) set(s State) { h.v.Store(int32(s)) }
func (h *stateHolder) get() State  { return State(h.v.Load()) }

// State returns the pacer's current lifecycle state. Only meaningful for a
// Sender constructed with WithSyncMbps > 0.
func (s *Sender) State() State { return s.state.get() }

// DriftMs returns the most recently observed pacing drift in milliseconds
// (accumulated scheduled block time minus real elapsed wall-clock time).
// Zero until the first block of a pacing run has been emitted.
func (s *Sender) DriftMs() float64 {
	return math.Float64frombits(uint64(s.drift.Load()))
}

// pacerLoop implements the BUFFERING -> FIRST_PCR -> PACING ->
// RESET_ON_ERROR -> BUFFERING cycle (terminal STOPPED), adapted from
// astra's thread_loop.
func (s *Sender) pacerLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.state.set(StateStopped)
			return nil
		}

		if !s.waitBuffered(ctx) {
			s.state.set(StateStopped)
			return nil
		}

		s.state.set(StateFirstPCR)
		blockSize, ok := s.ring.seekPCR()
		if !ok {
			s.log.Error("first PCR is not found")
			continue
		}
		pcrPrev := mpegts.PCR27MHz(s.ring.peekAt(blockSize))
		s.ring.advance(blockSize)

		if !s.paceUntilReset(ctx, pcrPrev) {
			s.state.set(StateStopped)
			return nil
		}
		s.state.set(StateResetOnError)
	}
}

// waitBuffered drops anything already queued and blocks until the ring
// refills to at least half capacity, matching thread_loop's flush-then-wait
// preamble. It returns false if ctx was cancelled while waiting.
func (s *Sender) waitBuffered(ctx context.Context) bool {
	s.state.set(StateBuffering)
	if n := s.ring.len(); n > 0 {
		s.ring.advance(int(n))
	}

	half := int64(s.ring.capacity()) / 2
	for s.ring.len() < half {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
	return true
}

// paceUntilReset runs the steady-state PACING loop until an anomaly (PCR
// absent or block time out of range) or excessive clock drift forces a
// reset back to BUFFERING, or ctx is cancelled. It returns false only on
// cancellation.
func (s *Sender) paceUntilReset(ctx context.Context, pcrPrev uint64) bool {
	s.state.set(StatePacing)

	pacingStart := time.Now()
	blockTimeTotalMs := 0.0

	for {
		if ctx.Err() != nil {
			return false
		}

		blockSize, ok := s.ring.seekPCR()
		if !ok {
			s.log.Error("sync failed, next PCR is not found, reload buffer")
			return true
		}

		pcr := mpegts.PCR27MHz(s.ring.peekAt(blockSize))
		deltaPCR := pcr - pcrPrev
		pcrPrev = pcr

		blockTimeMs := float64(deltaPCR/300)/90.0 + float64(deltaPCR%300)/27000.0
		if blockTimeMs <= 0 || blockTimeMs > maxBlockTimeMs {
			s.log.Error("block time out of range", "block_time_ms", blockTimeMs)
			return true
		}

		syncDiffMs := blockTimeTotalMs - msSince(pacingStart)
		if !s.emitBlock(ctx, blockSize, blockTimeMs, syncDiffMs) {
			return false
		}
		blockTimeTotalMs += blockTimeMs

		drift := blockTimeTotalMs - msSince(pacingStart)
		s.drift.Store(int64(math.Float64bits(drift)))
		if drift < -driftToleranceMs || drift > driftToleranceMs {
			s.log.Warn("wrong syncing time, reset time values", "drift_ms", drift)
			return true
		}
	}
}

// emitBlock pops and sends blockSize/188 packets spaced by a per-packet
// sleep derived from blockTimeMs+syncDiffMs, collapsing remaining sleep to
// zero for the rest of the block once real elapsed time overtakes the
// schedule (astra's calc_block_time_ns/real_block_time_ns catch-up).
func (s *Sender) emitBlock(ctx context.Context, blockSize int, blockTimeMs, syncDiffMs float64) bool {
	packets := blockSize / mpegts.PacketSize

	var perPacketNs int64
	if blockTimeMs+syncDiffMs > 0 {
		perPacketNs = int64((blockTimeMs + syncDiffMs) * 1e6 / float64(packets))
	}

	sleepFor := perPacketNs
	var calcNs int64
	blockStart := time.Now()

	for off := 0; off < blockSize; off += mpegts.PacketSize {
		if ctx.Err() != nil {
			return false
		}
		pkt := s.ring.pop()
		s.appendLocked(pkt)

		if sleepFor > 0 {
			time.Sleep(time.Duration(sleepFor))
		}
		calcNs += perPacketNs
		if time.Since(blockStart).Nanoseconds() > calcNs {
			sleepFor = 0
		} else {
			sleepFor = perPacketNs
		}
	}
	return true
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
