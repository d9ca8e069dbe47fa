// Package decrypt implements the conditional-access descrambling core: PID
// routing of an incoming MPEG-TS stream, PAT/CAT/PMT tracking with a
// CA-descriptor-stripped PMT rewrite, ECM/EMM dispatch to a CAS adapter and
// CAM client, and cluster-batched descrambling of the scrambled elementary
// streams. Adapted from astra's softcam/decrypt.c.
package decrypt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/castun/cam"
	"github.com/zsiec/castun/cas"
	"github.com/zsiec/castun/cipher"
	"github.com/zsiec/castun/mpegts"
)

// maxPID bounds the flat PID routing table (13-bit PID space), per the
// design guidance that a flat array beats a hashed map here.
const maxPID = 8192

// nullPID is the MPEG-TS null/stuffing PID, never a valid CA PID.
const nullPID = 0x1FFF

type packetType uint8

const (
	typeUnknown packetType = iota
	typePAT
	typeCAT
	typePMT
	typeECM
	typeEMM
	typeCA
)

// Decryptor tracks one program's descrambling state across an incoming TS.
// It is not safe for concurrent use from multiple goroutines: the
// cam.Listener callbacks read and write the same state as ProcessPacket
// without locking, so they must run on the goroutine that calls
// ProcessPacket.
type Decryptor struct {
	cfg Config
	log *slog.Logger

	stream [maxPID]packetType

	pat *mpegts.SectionBuffer
	cat *mpegts.SectionBuffer
	pmt *mpegts.SectionBuffer
	em  *emAssembler

	patCRC, catCRC, pmtCRC uint32
	havePATCRC, haveCATCRC, havePMTCRC bool
	catReloadCounter int

	pnr       uint16
	pmtPID    uint16
	customPMT []byte
	customCC  uint8
	lastPMT   *mpegts.PMT

	casAdapter cas.Adapter
	casFactory cas.Factory
	camReady   bool

	force bool

	ecmPID           uint16
	ecmPIDFails      int
	ecmPIDDelayUntil time.Time

	isKeys   bool
	newKeyID int
	newKey   [16]byte

	evenKey, oddKey [8]byte

	buf     [][]byte
	cluster *cipher.Cluster

	handle *cam.StreamHandle
}

// New validates cfg and constructs a Decryptor. name is required.
func New(opts ...Option) (*Decryptor, error) {
	cfg := Config{
		reloadDelay:    0,
		clusterPackets: 96,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.name == "" {
		return nil, &ConfigError{Msg: "option 'name' is required"}
	}
	if cfg.emit == nil {
		return nil, &ConfigError{Msg: "a sink must be configured via WithSink"}
	}
	if cfg.cipher == nil {
		cfg.cipher = cipher.NewXORReference()
	}
	if cfg.clusterPackets <= 0 {
		cfg.clusterPackets = 96
	}

	d := &Decryptor{
		cfg:     cfg,
		log:     slog.Default().With("component", "decrypt", "name", cfg.name),
		pat:     mpegts.NewSectionBuffer(),
		cat:     mpegts.NewSectionBuffer(),
		pmt:     mpegts.NewSectionBuffer(),
		em:      newEMAssembler(),
		cluster: cipher.NewCluster(),
		ecmPID:  cfg.ecmPID,
		pmtPID:  nullPID,
	}

	if len(cfg.biss) == 8 {
		d.isKeys = true
		d.cfg.caid = 0x2600
		copy(d.evenKey[:], cfg.biss)
		copy(d.oddKey[:], cfg.biss)
		if err := d.cfg.cipher.SetKeys(d.evenKey[:], d.oddKey[:]); err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
	}

	if d.cfg.cam != nil && !d.isKeys {
		d.handle = &cam.StreamHandle{ProgramNumber: 0, CASData: cfg.casData}
		d.cfg.cam.Attach(d.handle, d)
	}

	d.streamReload()
	return d, nil
}

// streamReload resets PID routing to just PAT/CAT and drops the CAS adapter,
// matching astra's stream_reload (called on PAT/CAT/PMT change and at
// startup).
func (d *Decryptor) streamReload() {
	for i := range d.stream {
		d.stream[i] = typeUnknown
	}
	d.stream[0] = typePAT
	d.stream[1] = typeCAT

	d.havePATCRC = false
	d.haveCATCRC = false
	d.havePMTCRC = false
	d.catReloadCounter = 0
	d.force = false

	d.casAdapter = nil
}

// ProcessPacket routes one 188-byte TS packet: PSI table packets are fed to
// their section assemblers, ECM/EMM packets are dispatched to the CAS
// adapter and CAM, and everything else is buffered for cluster decryption
// (or passed straight through before keys are available).
func (d *Decryptor) ProcessPacket(pkt []byte) error {
	if err := mpegts.ValidatePacket(pkt); err != nil {
		return err
	}
	pid := mpegts.PID(pkt)

	switch d.stream[pid] {
	case typePAT:
		d.onPAT(pkt)
		return nil
	case typeCAT:
		d.onCAT(pkt)
		return nil
	case typePMT:
		d.onPMT(pkt)
		return nil
	case typeECM, typeEMM:
		if d.casAdapter != nil {
			d.onEM(pkt)
		}
		return nil
	case typeCA:
		return nil
	}

	if !d.isKeys {
		d.emit(pkt)
		return nil
	}

	d.bufferForDecryption(pkt)
	return nil
}

// CASState returns a snapshot of this Decryptor's conditional-access state
// for status reporting: the active CAID, the ECM PID forced with WithECMPID
// (0 if none; the PID selected from the PMT or by failover is not
// reported), and whether the attached CAM is ready.
func (d *Decryptor) CASState() (caid, ecmPID uint16, camReady bool) {
	return d.cfg.caid, d.ecmPID, d.camReady
}

func (d *Decryptor) emit(pkt []byte) {
	out := make([]byte, len(pkt))
	copy(out, pkt)
	d.cfg.emit(out)
}

func (d *Decryptor) bufferForDecryption(pkt []byte) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	d.buf = append(d.buf, cp)

	if len(d.buf) < d.cfg.clusterPackets {
		return
	}

	d.cluster.Reset()
	for _, p := range d.buf {
		d.cluster.Add(p)
	}
	d.cluster.Decrypt(d.cfg.cipher)

	for _, p := range d.buf {
		d.cfg.emit(p)
	}

	d.applyPendingKey()
	d.buf = d.buf[:0]
}

// applyPendingKey installs a key change queued by a CAM response at the
// next cluster boundary, matching astra's on_ts swap timing (new key takes
// effect for the cluster decrypted after the one in which it was learned).
func (d *Decryptor) applyPendingKey() {
	switch d.newKeyID {
	case 1:
		copy(d.evenKey[:], d.newKey[:8])
		d.cfg.cipher.SetKeys(d.evenKey[:], d.oddKey[:])
		d.isKeys = true
	case 2:
		copy(d.oddKey[:], d.newKey[8:16])
		d.cfg.cipher.SetKeys(d.evenKey[:], d.oddKey[:])
		d.isKeys = true
	default:
		return
	}
	d.newKeyID = 0
}

// casContext adapts a Decryptor to cas.Context for the currently active CAS
// adapter.
type casContext struct{ d *Decryptor }

func (c casContext) UA() []byte {
	if c.d.cfg.cam == nil {
		return nil
	}
	return c.d.cfg.cam.UA()
}

func (c casContext) Provider() []byte {
	if c.d.cfg.cam == nil {
		return nil
	}
	providers := c.d.cfg.cam.Providers()
	if len(providers) == 0 {
		return nil
	}
	return providers[0]
}

func (c casContext) CASData() []byte { return c.d.cfg.casData }

func (c casContext) ProgramNumber() uint16 { return c.d.pnr }
