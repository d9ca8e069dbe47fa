// Command castun is the process entrypoint: it starts an SRT ingest server,
// an operator status/metrics HTTP server, and dispatches every incoming
// stream to a descrambling engine.Engine, modeled on zsiec-prism's
// cmd/prism/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/zsiec/castun/cas/irdeto"
	"github.com/zsiec/castun/decrypt"
	"github.com/zsiec/castun/engine"
	"github.com/zsiec/castun/internal/envcfg"
	"github.com/zsiec/castun/internal/ingest"
	srtingest "github.com/zsiec/castun/internal/ingest/srt"
	"github.com/zsiec/castun/internal/telemetry"
	"github.com/zsiec/castun/output"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if envcfg.Bool("DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srtAddr := envcfg.String("SRT_ADDR", ":6000")
	metricsAddr := envcfg.String("METRICS_ADDR", ":9090")

	slog.Info("castun starting", "version", version, "srt", srtAddr, "metrics", metricsAddr)

	a := &app{
		metrics: telemetry.New(),
		streams: make(map[string]*streamState),
	}

	g, ctx := errgroup.WithContext(ctx)

	a.registry = ingest.NewRegistry(func(key string, input io.Reader, format ingest.InputFormat) {
		a.handleNewStream(ctx, key, input)
	})

	srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)
	metricsSrv := telemetry.NewServer(metricsAddr, a.metrics, a)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// streamState tracks one active engine for status reporting.
type streamState struct {
	eng *engine.Engine
}

type app struct {
	metrics  *telemetry.Metrics
	registry *ingest.Registry

	mu      sync.Mutex
	streams map[string]*streamState
}

// handleNewStream builds this stream's output.Sender and decrypt-backed
// engine.Engine from environment configuration and runs it until input ends
// or ctx is cancelled.
func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader) {
	slog.Info("new stream from ingest", "key", key)

	out, err := newOutputSender()
	if err != nil {
		slog.Error("failed to construct output sender", "key", key, "error", err)
		return
	}
	defer out.Close()

	eng, err := newEngine(key, input, out, a.metrics)
	if err != nil {
		slog.Error("failed to construct engine", "key", key, "error", err)
		return
	}
	eng.SetMetrics(a.metrics, 5*time.Second)

	a.mu.Lock()
	a.streams[key] = &streamState{eng: eng}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.streams, key)
		a.mu.Unlock()
	}()

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("engine error", "stream", key, "error", err)
	}
	slog.Info("stream ended", "key", key)
}

// newOutputSender builds this instance's output.Sender from environment
// configuration. All streams share the same output destination (a single
// descrambling instance maps to one output in this design); running several
// instances on different ports descrambles several services concurrently.
func newOutputSender() (*output.Sender, error) {
	addr := envcfg.String("OUTPUT_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("OUTPUT_ADDR is required")
	}

	opts := []output.Option{
		output.WithAddr(addr),
		output.WithPort(envcfg.Int("OUTPUT_PORT", 1234)),
		output.WithTTL(envcfg.Int("OUTPUT_TTL", 32)),
		output.WithRTP(envcfg.Bool("OUTPUT_RTP", false)),
	}
	if local := envcfg.String("OUTPUT_LOCAL_ADDR", ""); local != "" {
		opts = append(opts, output.WithLocalAddr(local))
	}
	if size := envcfg.Int("OUTPUT_SOCKET_SIZE", 0); size > 0 {
		opts = append(opts, output.WithSocketSize(size))
	}
	if mbps := envcfg.Int("OUTPUT_SYNC_MBPS", 0); mbps > 0 {
		opts = append(opts, output.WithSyncMbps(mbps))
	}
	return output.New(opts...)
}

// newEngine builds a decrypt.Decryptor-backed engine.Engine for one stream
// from environment configuration. BISS is the only concrete key-acquisition
// path wired here: a CAM client speaks a specific smartcard-sharing wire
// protocol (camd/newcamd/...), which is out of scope for this repo
// (cam.Client is an external dependency per its own package doc).
func newEngine(key string, input io.Reader, out *output.Sender, metrics decrypt.Metrics) (*engine.Engine, error) {
	bissKey := envcfg.HexBytes("BISS_KEY", nil)
	if len(bissKey) != 8 {
		return nil, fmt.Errorf("BISS_KEY must be an 8-byte hex string (CAM-based decryption is not implemented by this binary, see cam.Client's doc comment)")
	}

	decOpts := []decrypt.Option{
		decrypt.WithBISS(bissKey),
		decrypt.WithMetrics(metrics),
		decrypt.WithClusterSize(envcfg.Int("CLUSTER_SIZE", 96)),
	}

	return engine.New(key, input, out, decOpts...)
}

// Status implements telemetry.StatusReporter.
func (a *app) Status() []telemetry.StreamStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]telemetry.StreamStatus, 0, len(a.streams))
	for key, st := range a.streams {
		caid, ecmPID, camReady := st.eng.CASState()
		status := telemetry.StreamStatus{
			Name:     key,
			CAID:     caid,
			ECMPID:   ecmPID,
			CAMReady: camReady,
		}
		sender := st.eng.Output()
		if sender.Paced() {
			status.PacerState = sender.State().String()
			status.DriftMs = sender.DriftMs()
		}
		out = append(out, status)
	}
	return out
}
