package decrypt

import (
	"encoding/binary"

	"github.com/zsiec/castun/cas"
	"github.com/zsiec/castun/mpegts"
)

func crcOf(section []byte) uint32 {
	return binary.BigEndian.Uint32(section[len(section)-4:])
}

// onPAT handles a PAT TS packet: reassembles the section, detects content
// changes (triggering a full stream reload), and re-derives the program
// number and PMT PID. Unlike onPMT, processing continues in the same call
// after a reload (astra's on_pat does not return early).
func (d *Decryptor) onPAT(pkt []byte) {
	section, ok, err := d.pat.Ingest(pkt)
	if err != nil {
		d.log.Error("PAT checksum mismatch", "err", err)
		return
	}
	if !ok {
		return
	}
	d.pat.ResetCRC()

	crc := crcOf(section)
	isRepeat := d.havePATCRC && crc == d.patCRC
	wasFirst := !d.havePATCRC
	if isRepeat {
		return
	}
	if !wasFirst {
		d.log.Warn("PAT changed, reloading stream info")
		d.streamReload()
	}
	d.patCRC = crc
	d.havePATCRC = true

	pat, perr := mpegts.ParsePAT(section)
	if perr != nil {
		d.log.Error("failed to parse PAT", "err", perr)
		return
	}
	for _, prog := range pat.Programs {
		if prog.ProgramNumber != 0 {
			d.pnr = prog.ProgramNumber
			d.pmtPID = prog.PID
			d.stream[prog.PID] = typePMT
			break
		}
	}

	if d.cfg.cam != nil && d.camReady {
		d.initCAS()

		d.catCRC = 0
		d.haveCATCRC = false
		d.pmtCRC = 0
		d.havePMTCRC = false

		for i := range d.stream {
			if d.stream[i] == typeCA {
				d.stream[i] = typeUnknown
			}
		}
	}
}

// initCAS selects and constructs a CAS adapter for the configured CAID.
func (d *Decryptor) initCAS() {
	factory, ok := cas.Lookup(d.cfg.caid)
	if !ok {
		d.log.Error("CAS not found for CAID", "caid", d.cfg.caid)
		return
	}
	d.casFactory = factory
	d.casAdapter = factory.New()
}

// onCAT handles a CAT TS packet, applying the reload-delay debounce before
// rebuilding the CA/EMM PID map (astra's on_cat). A changed-but-tolerated
// CAT section neither rebuilds routing nor updates the cached CRC, so
// every subsequent occurrence is re-evaluated until the debounce threshold
// is crossed or the content reverts.
func (d *Decryptor) onCAT(pkt []byte) {
	section, ok, err := d.cat.Ingest(pkt)
	if err != nil {
		d.log.Error("CAT checksum mismatch", "err", err)
		return
	}
	if !ok {
		return
	}
	d.cat.ResetCRC()

	crc := crcOf(section)
	isRepeat := d.haveCATCRC && crc == d.catCRC
	if isRepeat {
		d.catReloadCounter = 0
		return
	}

	wasFirst := !d.haveCATCRC
	if !wasFirst {
		d.catReloadCounter++
		if d.catReloadCounter >= d.cfg.reloadDelay {
			d.log.Warn("CAT changed, reloading stream info")
			d.streamReload()
		}
		return
	}

	d.catCRC = crc
	d.haveCATCRC = true

	cat, perr := mpegts.ParseCAT(section)
	if perr != nil {
		d.log.Error("failed to parse CAT", "err", perr)
		return
	}

	isEMMSelected := d.casAdapter != nil && d.cfg.cam != nil && d.cfg.cam.DisableEMM()

	for _, desc := range cat.Descriptors {
		if desc.Tag != mpegts.CADescriptorTag {
			continue
		}
		ca, ok := mpegts.ParseCADescriptor(desc.Data)
		if !ok {
			continue
		}
		pid := ca.PID
		if d.stream[pid] == typeCA {
			d.stream[pid] = typeUnknown
		}

		switch {
		case pid == nullPID || d.stream[pid] != typeUnknown:
			// leave existing routing (e.g. PMT) alone
		case d.casAdapter != nil && !d.cfg.cam.DisableEMM() && ca.CAID == d.cfg.caid:
			d.stream[pid] = typeEMM
			d.log.Info("select EMM pid", "pid", pid)
			isEMMSelected = true
		default:
			d.stream[pid] = typeCA
		}
	}

	if d.casAdapter != nil && !isEMMSelected {
		d.log.Error("EMM not found")
	}
}

// onPMT handles a PMT TS packet for this decryptor's program: rebuilds the
// CA-descriptor-stripped custom PMT on first sight and emits it, and
// re-emits the cached custom PMT on every unchanged repeat (astra's on_pmt
// re-demuxes custom_pmt on the unchanged path too, so downstream sees the
// PMT at the source's own cadence). A changed PMT triggers a stream reload
// and emits nothing for that occurrence.
func (d *Decryptor) onPMT(pkt []byte) {
	section, ok, err := d.pmt.Ingest(pkt)
	if err != nil {
		d.log.Error("PMT checksum mismatch", "err", err)
		return
	}
	if !ok {
		return
	}
	d.pmt.ResetCRC()

	pnr := uint16(section[3])<<8 | uint16(section[4])
	if pnr != d.pnr {
		return
	}

	crc := crcOf(section)
	isRepeat := d.havePMTCRC && crc == d.pmtCRC
	if isRepeat {
		d.emitCustomPMT()
		return
	}

	wasFirst := !d.havePMTCRC
	if !wasFirst {
		d.log.Warn("PMT changed, reloading stream info")
		d.streamReload()
		return
	}
	d.pmtCRC = crc
	d.havePMTCRC = true

	pmt, perr := mpegts.ParsePMT(section)
	if perr != nil {
		d.log.Error("failed to parse PMT", "err", perr)
		return
	}

	d.lastPMT = pmt
	d.customPMT = d.rewritePMT(section, pmt)
	d.emitCustomPMT()
}

func (d *Decryptor) emitCustomPMT() {
	if d.customPMT == nil {
		return
	}
	packets := mpegts.PacketizeSection(d.pmtPID, d.customPMT, &d.customCC)
	for _, p := range packets {
		d.emit(p)
	}
}

// rewritePMT builds a CA-descriptor-stripped copy of section, selecting an
// ECM PID (or the operator-forced one) along the way: the first accepted
// CA PID becomes the ECM PID, and every other CA PID (backup candidates and
// foreign CAIDs alike) is routed as typeCA, which is dropped from output.
// Adapted from astra's custom_pmt construction in on_pmt.
func (d *Decryptor) rewritePMT(section []byte, pmt *mpegts.PMT) []byte {
	isECMSelected := false
	d.ecmPIDFails = 0

	if d.cfg.ecmPID != 0 {
		d.stream[d.cfg.ecmPID] = typeECM
		d.log.Info("select ECM pid (forced)", "pid", d.cfg.ecmPID)
		isECMSelected = true
	}

	handleCA := func(desc mpegts.Descriptor) bool {
		ca, ok := mpegts.ParseCADescriptor(desc.Data)
		if !ok {
			return false
		}
		pid := ca.PID
		if d.stream[pid] == typeCA {
			d.stream[pid] = typeUnknown
		}

		switch {
		case pid == nullPID || d.stream[pid] != typeUnknown:
			// leave existing routing alone
		case d.casAdapter != nil && ca.CAID == d.cfg.caid &&
			d.casAdapter.CheckDescriptor(casContext{d}, desc.Raw):
			if !isECMSelected {
				d.stream[pid] = typeECM
				d.log.Info("select ECM pid", "pid", pid)
				isECMSelected = true
			} else {
				d.log.Info("backup ECM pid", "pid", pid)
				d.stream[pid] = typeCA
			}
		default:
			d.stream[pid] = typeCA
		}
		return true
	}

	var progDescs []byte
	for _, desc := range pmt.ProgramDescriptors {
		if desc.Tag == mpegts.CADescriptorTag {
			handleCA(desc)
			continue
		}
		progDescs = append(progDescs, desc.Raw...)
	}

	out := make([]byte, 12, len(section))
	copy(out[0:10], section[0:10])
	out[10] = (section[10] & 0xF0) | byte(len(progDescs)>>8)&0x0F
	out[11] = byte(len(progDescs))
	out = append(out, progDescs...)

	for _, st := range pmt.Streams {
		header := []byte{st.StreamType, 0xE0 | byte(st.PID>>8), byte(st.PID), 0, 0}

		var esDescs []byte
		for _, desc := range st.Descriptors {
			if desc.Tag == mpegts.CADescriptorTag {
				handleCA(desc)
				continue
			}
			esDescs = append(esDescs, desc.Raw...)
		}
		header[3] = 0xF0 | byte(len(esDescs)>>8)&0x0F
		header[4] = byte(len(esDescs))

		out = append(out, header...)
		out = append(out, esDescs...)
	}

	if d.casAdapter == nil || isECMSelected {
		mpegts.SetSectionLength(out, len(out)-3+4)
		return mpegts.AppendCRC32(out)
	}

	d.log.Error("ECM not found")
	return append([]byte(nil), section...)
}
