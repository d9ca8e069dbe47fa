package cam

import (
	"sync"
	"time"
)

// LatencyObserver receives the round-trip time of a completed EM exchange.
type LatencyObserver interface {
	ObserveEMLatency(d time.Duration)
}

// Instrumented wraps a Client, timing the interval between each SendEM call
// and the matching OnResponse delivery. Round-trips are correlated by
// StreamHandle.ProgramNumber, matching how the CAM contract itself
// distinguishes concurrent streams.
type Instrumented struct {
	Client
	obs LatencyObserver

	mu     sync.Mutex
	sentAt map[uint16]time.Time
}

// NewInstrumented wraps client, reporting each EM round-trip to obs.
func NewInstrumented(client Client, obs LatencyObserver) *Instrumented {
	return &Instrumented{
		Client: client,
		obs:    obs,
		sentAt: make(map[uint16]time.Time),
	}
}

// Attach wraps listener so its OnResponse computes the round-trip latency
// before delegating.
func (i *Instrumented) Attach(handle *StreamHandle, listener Listener) {
	i.Client.Attach(handle, &instrumentedListener{
		Listener: listener,
		i:        i,
		pnr:      handle.ProgramNumber,
	})
}

// SendEM records the submission time for this handle's program number, then
// delegates to the wrapped Client.
func (i *Instrumented) SendEM(handle *StreamHandle, em []byte) error {
	i.mu.Lock()
	i.sentAt[handle.ProgramNumber] = time.Now()
	i.mu.Unlock()
	return i.Client.SendEM(handle, em)
}

type instrumentedListener struct {
	Listener
	i   *Instrumented
	pnr uint16
}

func (l *instrumentedListener) OnResponse(handle *StreamHandle, data []byte, errMsg string) {
	l.i.mu.Lock()
	sentAt, ok := l.i.sentAt[l.pnr]
	if ok {
		delete(l.i.sentAt, l.pnr)
	}
	l.i.mu.Unlock()

	if ok && l.i.obs != nil {
		l.i.obs.ObserveEMLatency(time.Since(sentAt))
	}
	l.Listener.OnResponse(handle, data, errMsg)
}
