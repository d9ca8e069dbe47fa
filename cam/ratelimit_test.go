package cam

import (
	"testing"
	"time"
)

type fakeClient struct {
	sent [][]byte
}

func (f *fakeClient) IsReady() bool            { return true }
func (f *fakeClient) CAID() uint16             { return 0x0600 }
func (f *fakeClient) UA() []byte               { return nil }
func (f *fakeClient) Providers() [][]byte      { return nil }
func (f *fakeClient) DisableEMM() bool         { return false }
func (f *fakeClient) Attach(*StreamHandle, Listener) {}
func (f *fakeClient) Detach(*StreamHandle)     {}
func (f *fakeClient) SendEM(h *StreamHandle, em []byte) error {
	f.sent = append(f.sent, em)
	return nil
}

func TestRateLimitedAllowsBurstThenThrottles(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{}
	rl := NewRateLimited(fake, 1000, 2) // burst of 2, refilling fast enough not to block this test

	h := &StreamHandle{ProgramNumber: 1}
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := rl.SendEM(h, []byte{byte(i)}); err != nil {
			t.Fatalf("SendEM #%d: %v", i, err)
		}
	}
	if len(fake.sent) != 5 {
		t.Fatalf("sent %d EMs, want 5", len(fake.sent))
	}
	// Two sends fit the burst; the other three each wait ~1ms for a token.
	if time.Since(start) < 2*time.Millisecond {
		t.Error("rate limiter did not throttle sends beyond the burst")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("rate limiter took unexpectedly long for a high-rate limiter")
	}
}

func TestRateLimitedDelegatesClientMethods(t *testing.T) {
	t.Parallel()
	fake := &fakeClient{}
	rl := NewRateLimited(fake, 10, 1)

	if !rl.IsReady() {
		t.Error("IsReady should delegate to wrapped client")
	}
	if rl.CAID() != 0x0600 {
		t.Error("CAID should delegate to wrapped client")
	}
}
