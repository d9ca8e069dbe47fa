// Package engine wires one descrambling instance's ingest reader, decryptor
// core, and output sender together, supervising their goroutines with an
// errgroup so that a failure in any one of them tears the others down.
// Adapted from zsiec-prism's internal/pipeline.Pipeline wiring.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/castun/decrypt"
	"github.com/zsiec/castun/mpegts"
	"github.com/zsiec/castun/output"
)

// MetricsSampler receives periodic point-in-time observations of one
// Engine's state. An internal/telemetry.Metrics satisfies this interface.
type MetricsSampler interface {
	SampleCAS(stream string, caid, ecmPID uint16, camReady bool)
	AddRingOverflow(stream string, n int64)
	SamplePacerDrift(stream string, ms float64)
}

// Engine reads an MPEG-TS byte stream, descrambles it, and forwards it to
// an output.Sender.
type Engine struct {
	log   *slog.Logger
	name  string
	input io.Reader
	dec   *decrypt.Decryptor
	out   *output.Sender

	dropped int64

	metrics      MetricsSampler
	metricsEvery time.Duration
}

// New constructs an Engine reading TS packets from input and emitting
// descrambled packets to out. decOpts configures the underlying Decryptor
// (WithName is set automatically from name and must not be passed again);
// a sink forwarding to out is installed automatically.
func New(name string, input io.Reader, out *output.Sender, decOpts ...decrypt.Option) (*Engine, error) {
	e := &Engine{
		log:   slog.Default().With("component", "engine", "name", name),
		name:  name,
		input: input,
		out:   out,
	}

	opts := append([]decrypt.Option{
		decrypt.WithName(name),
		decrypt.WithSink(e.emit),
	}, decOpts...)

	dec, err := decrypt.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.dec = dec
	return e, nil
}

// SetMetrics installs a sampler that Run polls every interval for this
// Engine's CAS state, ring overflow count, and pacer drift. Must be called
// before Run.
func (e *Engine) SetMetrics(sampler MetricsSampler, interval time.Duration) {
	e.metrics = sampler
	e.metricsEvery = interval
}

func (e *Engine) emit(pkt []byte) {
	if err := e.out.Write(pkt); err != nil {
		e.dropped++
		e.log.Warn("output write failed", "err", err)
	}
}

// Run starts the ingest read loop and, if out is PCR-paced, the pacer
// goroutine, and blocks until either exits or ctx is cancelled. The first
// non-nil error cancels the other goroutine via the errgroup-derived
// context.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	// The pacer and the metrics loop only stop on cancellation, so the read
	// loop cancels auxCtx when input ends.
	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()

	if e.out.Paced() {
		g.Go(func() error {
			return e.out.Run(auxCtx)
		})
	}

	g.Go(func() error {
		defer stopAux()
		defer e.out.Flush()
		return e.readLoop(ctx)
	})

	if e.metrics != nil {
		g.Go(func() error {
			e.sampleMetricsLoop(auxCtx)
			return nil
		})
	}

	return g.Wait()
}

// sampleMetricsLoop periodically reports CAS state, ring overflow, and pacer
// drift to the configured MetricsSampler until ctx is cancelled.
func (e *Engine) sampleMetricsLoop(ctx context.Context) {
	interval := e.metricsEvery
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			caid, ecmPID, camReady := e.dec.CASState()
			e.metrics.SampleCAS(e.name, caid, ecmPID, camReady)
			if e.out.Paced() {
				e.metrics.AddRingOverflow(e.name, e.out.DrainOverflow())
				e.metrics.SamplePacerDrift(e.name, e.out.DriftMs())
			}
		}
	}
}

// readLoop reads fixed-size 188-byte TS packets from input and routes each
// through the decryptor, matching zsiec-prism's Demuxer.NextData read
// pattern (io.ReadFull into a reused buffer, corrupt packets skipped rather
// than aborting the stream).
func (e *Engine) readLoop(ctx context.Context) error {
	buf := make([]byte, mpegts.PacketSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := io.ReadFull(e.input, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("engine: read: %w", err)
		}

		if err := e.dec.ProcessPacket(buf); err != nil {
			e.log.Debug("skipping invalid packet", "err", err)
			continue
		}
	}
}

// DroppedOutputPackets returns the number of packets this Engine failed to
// hand to its output.Sender.
func (e *Engine) DroppedOutputPackets() int64 { return e.dropped }

// CASState returns this Engine's underlying Decryptor's conditional-access
// state, for status reporting.
func (e *Engine) CASState() (caid, ecmPID uint16, camReady bool) {
	return e.dec.CASState()
}

// Output returns this Engine's output.Sender, for status reporting (pacer
// state, drift).
func (e *Engine) Output() *output.Sender { return e.out }
