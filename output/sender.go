package output

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/zsiec/castun/mpegts"
)

// udpDatagramCapacity is the largest whole number of TS packets that fits a
// conservative 1460-byte UDP payload: floor(1460/188)*188.
const udpDatagramCapacity = (1460 / mpegts.PacketSize) * mpegts.PacketSize

const (
	rtpHeaderSize      = 12
	rtpVersion         = 0x80
	rtpPayloadTypeMP2T = 33
)

// Sender emits a descrambled TS stream as UDP, optionally RTP-framed and
// optionally PCR-paced, adapted from astra's udp_output module.
type Sender struct {
	cfg Config
	log *slog.Logger

	conn *net.UDPConn
	pc   *ipv4.PacketConn
	dst  *net.UDPAddr

	rtpSeq atomic.Uint32
	ssrc   uint32

	mu        sync.Mutex
	batch     [rtpHeaderSize + udpDatagramCapacity]byte
	batchFill int

	ring      *ring
	pacerDone chan struct{}
	state     stateHolder
	drift     atomic.Int64 // math.Float64bits of the last observed drift in ms
}

// New validates cfg and constructs a Sender bound to a local ephemeral UDP
// port. If cfg's addr is a multicast address, the socket joins the group on
// the resolved (or default) local interface.
func New(opts ...Option) (*Sender, error) {
	cfg := Config{port: 1234, ttl: 32}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.addr == "" {
		return nil, &ConfigError{Msg: "option 'addr' is required"}
	}

	ip := net.ParseIP(cfg.addr)
	if ip == nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("invalid addr %q", cfg.addr)}
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("output: bind: %w", err)
	}
	udpConn := conn.(*net.UDPConn)
	if cfg.socketSize > 0 {
		_ = udpConn.SetWriteBuffer(cfg.socketSize)
	}

	pc := ipv4.NewPacketConn(udpConn)
	var iface *net.Interface
	if cfg.localAddr != "" {
		iface, err = interfaceForAddr(cfg.localAddr)
		if err != nil {
			_ = udpConn.Close()
			return nil, fmt.Errorf("output: %w", err)
		}
	}
	if ip.IsMulticast() {
		if iface != nil {
			if err := pc.SetMulticastInterface(iface); err != nil {
				_ = udpConn.Close()
				return nil, fmt.Errorf("output: set multicast interface: %w", err)
			}
		}
		if err := pc.SetMulticastTTL(cfg.ttl); err != nil {
			_ = udpConn.Close()
			return nil, fmt.Errorf("output: set multicast ttl: %w", err)
		}
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: ip}); err != nil {
			_ = udpConn.Close()
			return nil, fmt.Errorf("output: join multicast group: %w", err)
		}
	}

	s := &Sender{
		cfg:  cfg,
		log:  slog.Default().With("component", "output", "addr", cfg.addr, "port", cfg.port),
		conn: udpConn,
		pc:   pc,
		dst:  &net.UDPAddr{IP: ip, Port: cfg.port},
	}

	if cfg.rtp {
		s.batch[0] = rtpVersion
		s.batch[1] = rtpPayloadTypeMP2T
		id := uuid.New()
		s.ssrc = uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
		s.batch[8] = byte(s.ssrc >> 24)
		s.batch[9] = byte(s.ssrc >> 16)
		s.batch[10] = byte(s.ssrc >> 8)
		s.batch[11] = byte(s.ssrc)
	}

	if cfg.syncMbps > 0 {
		capacity := (cfg.syncMbps * 200000 / 8 / mpegts.PacketSize) * mpegts.PacketSize
		if capacity < mpegts.PacketSize {
			capacity = mpegts.PacketSize
		}
		s.ring = newRing(capacity)
		s.pacerDone = make(chan struct{})
	}

	return s, nil
}

// interfaceForAddr finds the network interface owning localAddr.
func interfaceForAddr(localAddr string) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && ipnet.IP.String() == localAddr {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface with address %q", localAddr)
}

// Paced reports whether this Sender is running PCR-paced (sync > 0).
func (s *Sender) Paced() bool { return s.ring != nil }

// DrainOverflow returns and resets the number of packets dropped since the
// last call because the PCR-pacing ring buffer was full. Always 0 for an
// unpaced Sender.
func (s *Sender) DrainOverflow() int64 {
	if s.ring == nil {
		return 0
	}
	return s.ring.drainOverflow()
}

// Run runs the PCR pacer loop on the calling goroutine. It blocks until ctx
// is cancelled; it
// must only be called when Paced() is true, and exactly once.
func (s *Sender) Run(ctx context.Context) error {
	if s.ring == nil {
		return fmt.Errorf("output: Run called on an unpaced Sender")
	}
	defer close(s.pacerDone)
	return s.pacerLoop(ctx)
}

// Done returns a channel closed once Run has returned. Callers must not
// read it on an unpaced Sender (Run is never called).
func (s *Sender) Done() <-chan struct{} { return s.pacerDone }

// Write submits one 188-byte TS packet for output: buffered for immediate
// UDP batching in unpaced mode, or queued on the SPSC ring for the pacer
// goroutine when PCR-paced.
func (s *Sender) Write(pkt []byte) error {
	if len(pkt) != mpegts.PacketSize {
		return fmt.Errorf("output: packet size %d, expected %d", len(pkt), mpegts.PacketSize)
	}
	if s.ring != nil {
		s.ring.push(pkt)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(pkt)
	return nil
}

// appendLocked mirrors astra's on_ts: it stamps a fresh RTP header at the
// start of a new datagram, appends the packet, and flushes once the
// datagram reaches udpDatagramCapacity bytes of TS payload. Callers must
// hold s.mu (unpaced path) or be the sole pacer goroutine (paced path).
func (s *Sender) appendLocked(pkt []byte) {
	if s.cfg.rtp && s.batchFill == 0 {
		seq := s.rtpSeq.Add(1) - 1
		s.batch[2] = byte(seq >> 8)
		s.batch[3] = byte(seq)

		ms := uint64(time.Now().UnixMilli())
		s.batch[4] = byte(ms >> 24)
		s.batch[5] = byte(ms >> 16)
		s.batch[6] = byte(ms >> 8)
		s.batch[7] = byte(ms)

		s.batchFill = rtpHeaderSize
	}

	copy(s.batch[s.batchFill:], pkt)
	s.batchFill += mpegts.PacketSize

	if s.batchFill >= udpDatagramCapacity {
		s.flushLocked()
	}
}

func (s *Sender) flushLocked() {
	if s.batchFill == 0 {
		return
	}
	if _, err := s.conn.WriteToUDP(s.batch[:s.batchFill], s.dst); err != nil {
		s.log.Warn("send error", "err", err)
	}
	s.batchFill = 0
}

// Flush sends any partially filled datagram immediately rather than waiting
// for it to reach udpDatagramCapacity.
func (s *Sender) Flush() {
	if s.ring != nil {
		s.flushLocked()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Close flushes any buffered datagram and releases the underlying socket.
// If the Sender is paced, callers must cancel Run's context and wait for it
// to return first.
func (s *Sender) Close() error {
	s.Flush()
	return s.conn.Close()
}
