package decrypt

import (
	"bytes"
	"time"

	"github.com/zsiec/castun/cam"
	"github.com/zsiec/castun/mpegts"
)

// emMaxSize bounds the EM (ECM/EMM) reassembly buffer. astra's decrypt.c
// guards against oversized EMs with an EM_MAX_SIZE constant whose value
// wasn't available in the retrieved source; 512 bytes comfortably covers
// any private section built from a single smartcard response and is used
// here as a concrete, documented stand-in.
const emMaxSize = 512

// emAssembler reassembles ECM/EMM private sections across TS packets.
// Unlike mpegts.SectionBuffer, it performs no CRC verification (EM sections
// generally carry none) and no repeat suppression: every completed section
// is delivered to the caller, who is responsible for any further filtering.
type emAssembler struct {
	buf          [emMaxSize]byte
	filled       int
	expectedSize int
}

func newEMAssembler() *emAssembler { return &emAssembler{} }

func (e *emAssembler) reset() {
	e.filled = 0
	e.expectedSize = 0
}

// ingest mirrors mpegts.SectionBuffer.Ingest's pointer-field/PUSI handling,
// minus the CRC check and dedup.
func (e *emAssembler) ingest(pkt []byte) (section []byte, ok bool) {
	payload := pkt[mpegts.PayloadOffset(pkt):]

	if mpegts.PayloadUnitStart(pkt) {
		if len(payload) == 0 {
			e.reset()
			return nil, false
		}
		pointer := int(payload[0])
		start := 1 + pointer
		if start > len(payload) {
			e.reset()
			return nil, false
		}
		payload = payload[start:]
		e.reset()
	} else if e.expectedSize == 0 {
		return nil, false
	}

	for len(payload) > 0 {
		if e.filled == 0 {
			if len(payload) < 3 {
				break
			}
			if payload[0] == 0xFF {
				e.reset()
				return nil, false
			}
			sectionLength := int(payload[1]&0x0F)<<8 | int(payload[2])
			e.expectedSize = 3 + sectionLength
			if e.expectedSize > emMaxSize {
				e.reset()
				return nil, false
			}
		}

		need := e.expectedSize - e.filled
		n := len(payload)
		if n > need {
			n = need
		}
		copy(e.buf[e.filled:], payload[:n])
		e.filled += n
		payload = payload[n:]

		if e.filled < e.expectedSize {
			continue
		}

		complete := e.buf[:e.filled]
		e.reset()

		out := make([]byte, len(complete))
		copy(out, complete)
		return out, true
	}

	return nil, false
}

// onEM handles a reassembled ECM/EMM TS packet: gates on CAM readiness,
// checks the EM type byte, applies the ECM cooldown, and routes the
// section through the CAS adapter before submitting it to the CAM
// (adapted from astra's on_em).
func (d *Decryptor) onEM(pkt []byte) {
	section, ok := d.em.ingest(pkt)
	if !ok {
		return
	}
	if len(section) < 3 {
		return
	}
	if d.cfg.cam == nil || !d.camReady || d.casAdapter == nil {
		return
	}

	emType := section[0]
	if emType&^byte(0x0F) != 0x80 {
		if emType&^byte(0x0F) != 0x90 {
			d.log.Error("EM: wrong packet type", "type", emType)
		}
		return
	}

	isECM := emType == 0x80 || emType == 0x81
	if isECM {
		if !d.ecmPIDDelayUntil.IsZero() && time.Now().Before(d.ecmPIDDelayUntil) {
			return
		}
		d.ecmPIDDelayUntil = time.Time{}
	} else if d.cfg.cam.DisableEMM() {
		return
	}

	if !d.casAdapter.CheckEM(casContext{d}, section, d.force) {
		return
	}
	d.force = false

	if err := d.cfg.cam.SendEM(d.handle, section); err != nil {
		d.log.Error("EM: send failed", "err", err)
	}
}

// OnCAMReady adopts the CAM's reported CAID and rebuilds PID routing from
// scratch, matching astra's on_cam_ready.
func (d *Decryptor) OnCAMReady() {
	d.camReady = true
	d.cfg.caid = d.cfg.cam.CAID()
	d.log.Info("CAM ready", "caid", d.cfg.caid)
	d.streamReload()
}

// OnCAMError drops the CAID and any derived key state, matching astra's
// on_cam_error.
func (d *Decryptor) OnCAMError() {
	d.log.Warn("CAM error")
	d.camReady = false
	d.cfg.caid = 0
	d.isKeys = false
}

// OnResponse handles a CAM's reply to a submitted ECM: validates the
// two-key response and its checksums, installs the new keys (a single
// changed key at the next cluster boundary, both keys at once when both
// changed), or — on any failure — rotates the active ECM
// PID among its backup candidates and applies a cooldown once every
// candidate has failed once (adapted from astra's on_response).
func (d *Decryptor) OnResponse(handle *cam.StreamHandle, data []byte, errMsg string) {
	if len(data) == 0 || data[0]&^0x01 != 0x80 {
		// Not an ECM response (EMM responses aren't surfaced upstream).
		return
	}
	if errMsg == "" && len(data) >= 3 && data[2] == 0 {
		// The CAM hasn't produced a key for this ECM yet; not a failure.
		return
	}

	reason := d.validateResponse(data, errMsg)
	if reason == "" {
		if d.cfg.metrics != nil {
			d.cfg.metrics.ECMAccepted(d.cfg.name)
		}
		d.stageKeyChange(data)
		return
	}

	if d.cfg.metrics != nil {
		d.cfg.metrics.ECMRejected(d.cfg.name, reason)
	}
	d.failoverECM(reason, data)
}

// validateResponse returns "" if data is a well-formed, checksum-valid
// two-key ECM response, or a human-readable failure reason otherwise.
// Callers must have already filtered out the CAM's "not ready yet"
// response (data[2]==0) before calling this.
func (d *Decryptor) validateResponse(data []byte, errMsg string) string {
	switch {
	case errMsg != "":
		return errMsg
	case d.casAdapter == nil:
		return "CAS not initialized"
	case !d.casAdapter.CheckKeys(casContext{d}, data):
		return "wrong ECM id"
	}

	if len(data) < 3 || data[2] != 16 {
		return "wrong ECM length"
	}
	if len(data) < 11 {
		return "short ECM response"
	}

	ck1 := (data[3] + data[4] + data[5]) & 0xFF
	if ck1 != data[6] {
		return "wrong ECM checksum"
	}
	ck2 := (data[7] + data[8] + data[9]) & 0xFF
	if ck2 != data[10] {
		return "wrong ECM checksum"
	}
	return ""
}

// stageKeyChange compares the incoming two-key response (even key at bytes
// 3-10, odd key at bytes 11-18) against the previously staged key buffer to
// decide whether the even key, the odd key, or both changed. A single
// changed half is staged for applyPendingKey to install at the next cluster
// boundary (astra's usual swap timing); when both halves change in the same
// response there is no earlier cluster to let drain under the old keys, so
// both halves are installed immediately, matching astra's on_response
// "otherwise, install both synchronously" path.
func (d *Decryptor) stageKeyChange(data []byte) {
	var newKey [16]byte
	copy(newKey[0:8], data[3:11])
	haveOdd := len(data) >= 19
	if haveOdd {
		copy(newKey[8:16], data[11:19])
	}

	evenChanged := !bytes.Equal(newKey[0:8], d.newKey[0:8])
	oddChanged := haveOdd && !bytes.Equal(newKey[8:16], d.newKey[8:16])

	d.newKey = newKey

	switch {
	case evenChanged && oddChanged:
		if d.isKeys {
			d.log.Warn("Both keys changed")
		}
		copy(d.evenKey[:], newKey[0:8])
		copy(d.oddKey[:], newKey[8:16])
		if err := d.cfg.cipher.SetKeys(d.evenKey[:], d.oddKey[:]); err != nil {
			d.log.Error("EM: key install failed", "err", err)
		}
		d.isKeys = true
		d.newKeyID = 0
	case evenChanged:
		d.newKeyID = 1
	case oddChanged:
		d.newKeyID = 2
	default:
		return
	}

	d.ecmPIDFails = 0
	d.ecmPIDDelayUntil = time.Time{}
}

// failoverECM rotates the active ECM PID among the candidates advertised
// in the last PMT's program-level CA descriptors, matching astra's
// on_response failure path: candidates are visited in descriptor order,
// the currently selected one is deselected, and the next matching
// candidate becomes the new ECM PID. Once every candidate has failed once
// since the last successful key, a cooldown is applied.
func (d *Decryptor) failoverECM(reason string, data []byte) {
	d.ecmPIDFails++
	d.force = true

	pidCount := 0
	pidPosOld := -1
	var firstPID uint16
	haveFirst := false

	if d.lastPMT != nil {
		for _, desc := range d.lastPMT.ProgramDescriptors {
			if desc.Tag != mpegts.CADescriptorTag {
				continue
			}
			ca, ok := mpegts.ParseCADescriptor(desc.Data)
			if !ok || ca.PID == nullPID || ca.CAID != d.cfg.caid {
				continue
			}
			if d.stream[ca.PID] != typeCA && d.stream[ca.PID] != typeECM {
				continue
			}
			if d.casAdapter == nil || !d.casAdapter.CheckDescriptor(casContext{d}, desc.Raw) {
				continue
			}

			if !haveFirst {
				firstPID = ca.PID
				haveFirst = true
			}
			if d.stream[ca.PID] == typeECM {
				pidPosOld = pidCount
				d.stream[ca.PID] = typeCA
				d.log.Info("deselect ECM pid", "pid", ca.PID)
			} else if pidPosOld >= 0 && pidPosOld < pidCount {
				d.stream[ca.PID] = typeECM
				d.log.Info("select ECM pid", "pid", ca.PID)
				if d.cfg.metrics != nil {
					d.cfg.metrics.ECMFailover(d.cfg.name)
				}
				pidPosOld = -2 // selected; stop granting further candidates this pass
			}
			pidCount++
		}
	}

	if pidPosOld == pidCount-1 && haveFirst {
		d.stream[firstPID] = typeECM
		d.log.Info("select ECM pid", "pid", firstPID)
		if d.cfg.metrics != nil {
			d.cfg.metrics.ECMFailover(d.cfg.name)
		}
	}

	if d.cfg.ecmSwapTime > 0 {
		if d.ecmPIDFails >= pidCount {
			d.ecmPIDDelayUntil = time.Now().Add(d.cfg.ecmSwapTime)
		} else {
			return
		}
	}

	if reason == "" {
		return
	}
	var tableID, size byte
	if len(data) > 0 {
		tableID = data[0]
	}
	if len(data) > 2 {
		size = data[2]
	}
	d.log.Error("ECM not found", "table_id", tableID, "size", size, "reason", reason)
}
