package decrypt

import (
	"bytes"
	"testing"
	"time"

	"github.com/zsiec/castun/cam"
	"github.com/zsiec/castun/cas"
	"github.com/zsiec/castun/mpegts"
)

// --- test doubles -----------------------------------------------------

type fakeCAM struct {
	caid     uint16
	ua       []byte
	provs    [][]byte
	sent     [][]byte
	listener cam.Listener
	handle   *cam.StreamHandle
}

func (f *fakeCAM) IsReady() bool       { return true }
func (f *fakeCAM) CAID() uint16        { return f.caid }
func (f *fakeCAM) UA() []byte          { return f.ua }
func (f *fakeCAM) Providers() [][]byte { return f.provs }
func (f *fakeCAM) DisableEMM() bool    { return false }
func (f *fakeCAM) Attach(h *cam.StreamHandle, l cam.Listener) {
	f.handle = h
	f.listener = l
}
func (f *fakeCAM) Detach(h *cam.StreamHandle) {}
func (f *fakeCAM) SendEM(h *cam.StreamHandle, em []byte) error {
	f.sent = append(f.sent, append([]byte(nil), em...))
	return nil
}

// fakeCAS always accepts descriptors/EMs and lets the test drive CheckKeys
// by toggling accept.
type fakeCAS struct {
	descAccept bool
	emAccept   bool
	keysAccept bool
}

func (f *fakeCAS) CheckDescriptor(ctx cas.Context, desc []byte) bool { return f.descAccept }
func (f *fakeCAS) CheckEM(ctx cas.Context, em []byte, force bool) bool {
	return f.emAccept
}
func (f *fakeCAS) CheckKeys(ctx cas.Context, keys []byte) bool { return f.keysAccept }

func registerFakeCAS(t *testing.T, caid uint16, a *fakeCAS) {
	t.Helper()
	cas.Register(cas.Factory{
		Name:      "fake",
		CheckCAID: func(c uint16) bool { return c == caid },
		New:       func() cas.Adapter { return a },
	})
}

// --- helpers ------------------------------------------------------------

func buildSection(tableID byte, rest []byte) []byte {
	section := make([]byte, 3, 3+len(rest)+4)
	section[0] = tableID
	section[1] = 0xB0
	section = append(section, rest...)
	mpegts.SetSectionLength(section, len(section)-3+4)
	return mpegts.AppendCRC32(section)
}

func patSection(pnr, pmtPID uint16) []byte {
	return buildSection(mpegts.TableIDPAT, []byte{
		0x00, 0x01, 0xC1, 0x00, 0x00,
		byte(pnr >> 8), byte(pnr), 0xE0 | byte(pmtPID>>8), byte(pmtPID),
	})
}

func pmtSectionTwoECM(pnr, pcrPID, ecmPIDA, ecmPIDB, caid uint16) []byte {
	descA := []byte{mpegts.CADescriptorTag, 0x04, byte(caid >> 8), byte(caid), 0xE0 | byte(ecmPIDA>>8), byte(ecmPIDA)}
	descB := []byte{mpegts.CADescriptorTag, 0x04, byte(caid >> 8), byte(caid), 0xE0 | byte(ecmPIDB>>8), byte(ecmPIDB)}
	progDescs := append(append([]byte(nil), descA...), descB...)
	rest := []byte{
		byte(pnr >> 8), byte(pnr),
		0xC1, 0x00, 0x00,
		0xE0 | byte(pcrPID>>8), byte(pcrPID),
		0x00, byte(len(progDescs)),
	}
	rest = append(rest, progDescs...)
	return buildSection(mpegts.TableIDPMT, rest)
}

func feedSection(t *testing.T, d *Decryptor, pid uint16, section []byte) {
	t.Helper()
	var cc uint8
	for _, pkt := range mpegts.PacketizeSection(pid, section, &cc) {
		if err := d.ProcessPacket(pkt); err != nil {
			t.Fatalf("ProcessPacket: %v", err)
		}
	}
}

func scrambledPacket(pid uint16, even bool, payload []byte) []byte {
	pkt := make([]byte, mpegts.PacketSize)
	pkt[0] = mpegts.SyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid)
	sc := byte(0x80)
	if !even {
		sc = 0xC0
	}
	pkt[3] = sc | 0x10
	copy(pkt[4:], payload)
	return pkt
}

// --- tests ----------------------------------------------------------------

func TestBISSFastPathDecryptsWithoutCAM(t *testing.T) {
	t.Parallel()
	key := []byte{0x11, 0x22, 0x33, 0x66, 0x44, 0x55, 0x66, 0xFF}

	var out [][]byte
	d, err := New(
		WithName("biss-test"),
		WithBISS(key),
		WithClusterSize(1),
		WithSink(func(pkt []byte) { out = append(out, append([]byte(nil), pkt...)) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := bytes.Repeat([]byte{0xAB}, 184)
	pkt := scrambledPacket(0x100, true, plaintext)
	if err := d.ProcessPacket(pkt); err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}

	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if mpegts.Scrambling(out[0]) != mpegts.ScramblingClear {
		t.Error("output packet should have scrambling cleared")
	}
	want := make([]byte, 184)
	for i := range want {
		want[i] = plaintext[i] ^ key[i%8]
	}
	if !bytes.Equal(out[0][4:], want) {
		t.Errorf("decrypted payload = %x, want %x", out[0][4:], want)
	}
}

func TestCATReloadDebounce(t *testing.T) {
	t.Parallel()
	var emitted int
	d, err := New(
		WithName("cat-test"),
		WithReloadDelay(2),
		WithSink(func(pkt []byte) { emitted++ }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	catA := buildSection(mpegts.TableIDCAT, []byte{0xFF, 0xFF, 0xC1, 0x00, 0x00})
	catB := buildSection(mpegts.TableIDCAT, []byte{0xFF, 0xFF, 0xC2, 0x00, 0x00})

	feedSection(t, d, 1, catA)
	if !d.haveCATCRC {
		t.Fatal("first CAT occurrence should be accepted")
	}
	if d.catReloadCounter != 0 {
		t.Fatalf("catReloadCounter = %d, want 0 after first occurrence", d.catReloadCounter)
	}

	feedSection(t, d, 1, catB)
	if d.catReloadCounter != 1 {
		t.Fatalf("catReloadCounter = %d, want 1 after first changed occurrence", d.catReloadCounter)
	}
	if d.stream[1] != typeCAT {
		t.Fatal("PID 1 routing should survive a tolerated (not yet reloaded) CAT change")
	}

	feedSection(t, d, 1, catB)
	if d.stream[1] != typeCAT {
		t.Fatal("stream reload should re-arm PID 1 as CAT")
	}
	if d.haveCATCRC {
		t.Fatal("stream reload should clear haveCATCRC")
	}
}

func TestECMFailoverRotatesOnRepeatedRejection(t *testing.T) {
	const caid = 0x0606
	const ecmA, ecmB uint16 = 0x30, 0x31

	fc := &fakeCAS{descAccept: true, keysAccept: false}
	registerFakeCAS(t, caid, fc)

	camClient := &fakeCAM{caid: caid}

	var emitted int
	d, err := New(
		WithName("ecm-test"),
		WithCAM(camClient),
		WithCAID(caid),
		WithECMSwapTime(10*time.Second),
		WithSink(func(pkt []byte) { emitted++ }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	camClient.listener.(*Decryptor).OnCAMReady()

	pat := patSection(1, 0x20)
	feedSection(t, d, 0, pat)

	pmt := pmtSectionTwoECM(1, 0x100, ecmA, ecmB, caid)
	feedSection(t, d, 0x20, pmt)

	if d.stream[ecmA] != typeECM {
		t.Fatalf("stream[ecmA] = %v, want typeECM", d.stream[ecmA])
	}
	if d.stream[ecmB] != typeCA {
		t.Fatalf("stream[ecmB] = %v, want typeCA", d.stream[ecmB])
	}

	// Reject once: rotation should select ecmB.
	d.OnResponse(camClient.handle, []byte{0x80, 0x00, 16, 0, 0, 0, 0, 0, 0, 0, 0}, "")
	if d.stream[ecmA] != typeCA {
		t.Errorf("stream[ecmA] = %v, want typeCA after failover", d.stream[ecmA])
	}
	if d.stream[ecmB] != typeECM {
		t.Errorf("stream[ecmB] = %v, want typeECM after failover", d.stream[ecmB])
	}
	if !d.force {
		t.Error("force should be set after a failover so the next candidate bypasses the parity short-circuit")
	}
	if !d.ecmPIDDelayUntil.IsZero() {
		t.Error("cooldown should not yet be set after only one of two candidates has failed")
	}

	// Reject again: all candidates have now failed once -> cooldown set, wraps back to ecmA.
	d.OnResponse(camClient.handle, []byte{0x80, 0x00, 16, 0, 0, 0, 0, 0, 0, 0, 0}, "")
	if d.ecmPIDDelayUntil.IsZero() {
		t.Error("cooldown should be set once every candidate has failed")
	}
}

func TestOnResponseInstallsBothKeysSynchronouslyWhenBothChange(t *testing.T) {
	const caid = 0x0607
	fc := &fakeCAS{descAccept: true, keysAccept: true}
	registerFakeCAS(t, caid, fc)

	camClient := &fakeCAM{caid: caid}
	d, err := New(
		WithName("key-test"),
		WithCAM(camClient),
		WithCAID(caid),
		WithSink(func(pkt []byte) {}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	camClient.listener.(*Decryptor).OnCAMReady()
	feedSection(t, d, 0, patSection(1, 0x20))

	evenHalf := []byte{0x11, 0x22, 0x33, 0x66, 0x00, 0x00, 0x00, 0x00}
	oddHalf := []byte{0x44, 0x55, 0x66, 0xFF, 0x00, 0x00, 0x00, 0x00}
	resp := append(append([]byte{0x80, 0x00, 16}, evenHalf...), oddHalf...)
	d.OnResponse(camClient.handle, resp, "")

	// Both halves changed from the zero baseline in the same response, so
	// astra's "otherwise, install both synchronously" path applies: there is
	// no cluster boundary to defer to.
	if d.newKeyID != 0 {
		t.Fatalf("newKeyID = %d, want 0 (installed synchronously, nothing left scheduled)", d.newKeyID)
	}
	if !bytes.Equal(d.evenKey[:], evenHalf) {
		t.Errorf("evenKey = %x, want %x", d.evenKey[:], evenHalf)
	}
	if !bytes.Equal(d.oddKey[:], oddHalf) {
		t.Errorf("oddKey = %x, want %x", d.oddKey[:], oddHalf)
	}
	if !d.isKeys {
		t.Error("isKeys should be true once a CAM-derived key pair has been installed")
	}
}

func TestOnResponseSchedulesSingleKeyChange(t *testing.T) {
	const caid = 0x0609
	fc := &fakeCAS{descAccept: true, keysAccept: true}
	registerFakeCAS(t, caid, fc)

	camClient := &fakeCAM{caid: caid}
	d, err := New(
		WithName("key-test-single"),
		WithCAM(camClient),
		WithCAID(caid),
		WithSink(func(pkt []byte) {}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	camClient.listener.(*Decryptor).OnCAMReady()
	feedSection(t, d, 0, patSection(1, 0x20))

	evenHalf := []byte{0x11, 0x22, 0x33, 0x66, 0x00, 0x00, 0x00, 0x00}
	oddHalf := []byte{0x44, 0x55, 0x66, 0xFF, 0x00, 0x00, 0x00, 0x00}
	// Pre-stage the even half as already "known" so only the odd half is
	// seen as changed by this response.
	copy(d.newKey[0:8], evenHalf)

	resp := append(append([]byte{0x80, 0x00, 16}, evenHalf...), oddHalf...)
	d.OnResponse(camClient.handle, resp, "")

	if d.newKeyID != 2 {
		t.Fatalf("newKeyID = %d, want 2 (odd key scheduled)", d.newKeyID)
	}
	if d.isKeys {
		t.Error("isKeys should stay false until the scheduled key is actually applied")
	}
	if bytes.Equal(d.oddKey[:], oddHalf) {
		t.Fatal("oddKey should not be installed before a cluster boundary")
	}

	d.applyPendingKey()

	if !bytes.Equal(d.oddKey[:], oddHalf) {
		t.Errorf("oddKey after applyPendingKey = %x, want %x", d.oddKey[:], oddHalf)
	}
	if !d.isKeys {
		t.Error("isKeys should be true once the scheduled key has been applied")
	}
	if d.newKeyID != 0 {
		t.Errorf("newKeyID = %d, want 0 after applyPendingKey", d.newKeyID)
	}
}

func TestCAMDrivenDecryptionEndToEnd(t *testing.T) {
	const caid = 0x060A
	const ecmPIDA, ecmPIDB uint16 = 0x30, 0x31
	const pcrPID uint16 = 0x100
	const dataPID uint16 = 0x101

	fc := &fakeCAS{descAccept: true, emAccept: true, keysAccept: true}
	registerFakeCAS(t, caid, fc)

	camClient := &fakeCAM{caid: caid}

	var out [][]byte
	d, err := New(
		WithName("cam-decrypt-test"),
		WithCAM(camClient),
		WithCAID(caid),
		WithClusterSize(1),
		WithSink(func(pkt []byte) { out = append(out, append([]byte(nil), pkt...)) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	camClient.listener.(*Decryptor).OnCAMReady()

	feedSection(t, d, 0, patSection(1, 0x20))
	feedSection(t, d, 0x20, pmtSectionTwoECM(1, pcrPID, ecmPIDA, ecmPIDB, caid))

	if d.stream[ecmPIDA] != typeECM {
		t.Fatalf("stream[ecmPIDA] = %v, want typeECM", d.stream[ecmPIDA])
	}

	// Feed one ECM section: its CheckEM predicate accepts, so it is
	// forwarded to the CAM.
	ecmSection := []byte{0x80, 0x00, 0x05, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	feedSection(t, d, ecmPIDA, ecmSection)
	if len(camClient.sent) != 1 {
		t.Fatalf("len(camClient.sent) = %d, want 1", len(camClient.sent))
	}

	evenHalf := []byte{0x01, 0x02, 0x03, 0x06, 0x04, 0x05, 0x06, 0x0F}
	oddHalf := []byte{0x21, 0x22, 0x23, 0x66, 0x24, 0x25, 0x26, 0x6F}
	resp := append(append([]byte{0x80, 0x00, 16}, evenHalf...), oddHalf...)
	d.OnResponse(camClient.handle, resp, "")
	if !d.isKeys {
		t.Fatal("isKeys should be true after a successful CAM-derived key install")
	}

	plaintext := bytes.Repeat([]byte{0xCD}, 184)
	pkt := scrambledPacket(dataPID, true, plaintext)
	if err := d.ProcessPacket(pkt); err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}

	if len(out) == 0 {
		t.Fatal("expected at least one emitted packet")
	}
	last := out[len(out)-1]
	if mpegts.Scrambling(last) != mpegts.ScramblingClear {
		t.Error("output packet should have scrambling cleared")
	}
	want := make([]byte, 184)
	for i := range want {
		want[i] = plaintext[i] ^ evenHalf[i%8]
	}
	if !bytes.Equal(last[4:], want) {
		t.Errorf("decrypted payload = %x, want %x", last[4:], want)
	}
}
