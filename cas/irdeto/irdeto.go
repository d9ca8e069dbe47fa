// Package irdeto implements the Irdeto conditional-access adapter contract,
// adapted from astra's softcam/cas/irdeto.c: CAID range 0x06xx plus the
// single legacy CAID 0x1702, ECM channel-id autoselection, and EMM address
// matching against the CAM's unique/shared address tables.
package irdeto

import (
	"bytes"
	"log/slog"

	"github.com/zsiec/castun/cas"
)

// ecmMaxID bounds the per-ECM-id parity tracking table used during channel
// id autoselection (astra's ECM_MAX_ID).
const ecmMaxID = 16

// noCHID marks that no channel id has been selected yet.
const noCHID = 0xFFFF

type ecmSlot struct {
	parity uint8
	chid   uint16
}

// Adapter is a per-program Irdeto CAS adapter instance.
type Adapter struct {
	parity uint8
	chid   uint16

	testing   bool
	currentID uint8
	ecmSlots  [ecmMaxID]ecmSlot

	ua []byte
	sa []byte

	log *slog.Logger
}

// New constructs a fresh Irdeto adapter with channel-id autoselection armed.
func New() cas.Adapter {
	return &Adapter{
		chid: noCHID,
		log:  slog.Default().With("component", "cas.irdeto"),
	}
}

// CheckCAID reports whether caid belongs to the Irdeto CAID range: 0x06xx,
// plus the single legacy value 0x1702.
func CheckCAID(caid uint16) bool {
	return caid&0xFF00 == 0x0600 || caid == 0x1702
}

func ecmCHID(payload []byte) uint16 {
	return uint16(payload[6])<<8 | uint16(payload[7])
}

func (a *Adapter) checkECM(payload []byte, force bool) bool {
	if len(payload) < 8 {
		return false
	}
	parity := payload[0]
	if !force && parity == a.parity {
		return false
	}

	chid := ecmCHID(payload)
	if a.chid != noCHID {
		if a.chid != chid {
			return false
		}
		a.parity = parity
		return true
	}

	// Channel id not yet selected: probe candidates by ecm_id, one at a
	// time, until CheckKeys confirms a candidate's response carried a
	// usable key.
	if a.testing {
		return false
	}
	ecmID := payload[4]
	if ecmID >= ecmMaxID {
		return false
	}
	if a.ecmSlots[ecmID].parity == parity {
		return false
	}

	a.testing = true
	a.currentID = ecmID
	a.ecmSlots[ecmID] = ecmSlot{parity: parity, chid: chid}
	return true
}

// CheckEM dispatches on the EM table id: 0x80/0x81 are ECM sections routed
// through channel-id selection; anything else is treated as an EMM and
// matched against the CAM's unique or shared address.
func (a *Adapter) CheckEM(ctx cas.Context, em []byte, force bool) bool {
	if len(em) == 0 {
		return false
	}

	switch em[0] {
	case 0x80, 0x81:
		return a.checkECM(em, force)
	default:
		return a.checkEMM(em)
	}
}

func (a *Adapter) checkEMM(em []byte) bool {
	if len(em) < 4 {
		return false
	}
	emmLen := em[3] & 0x07
	emmBase := em[3] >> 3

	var addr []byte
	if emmBase&0x10 != 0 {
		addr = a.ua // unique address: card-targeted EMM
	} else {
		addr = a.sa // shared address: provider-targeted EMM
	}
	if len(addr) < 5 {
		return false
	}
	if emmBase != addr[4] {
		return false
	}
	if emmLen == 0 {
		return true
	}
	if len(em) < 4+int(emmLen) || len(addr) < 5+int(emmLen) {
		return false
	}
	return bytes.Equal(em[4:4+int(emmLen)], addr[5:5+int(emmLen)])
}

// CheckKeys validates a CAM response's key-valid byte (offset 2) and, when
// channel-id autoselection is in progress, finalizes the selection using
// the candidate that produced this response.
func (a *Adapter) CheckKeys(ctx cas.Context, keys []byte) bool {
	if len(keys) < 3 || keys[2] == 0 {
		if a.chid == noCHID {
			a.testing = false
		}
		return false
	}

	if a.chid == noCHID {
		a.chid = a.ecmSlots[a.currentID].chid
		a.parity = keys[0]
		a.log.Info("selected channel id", "pnr", ctx.ProgramNumber(), "chid", a.chid)
	}

	return true
}

// CheckDescriptor lazily binds the adapter to the CAM's address tables on
// the first CA descriptor seen for this program, and applies a
// configuration-supplied channel id override if present.
func (a *Adapter) CheckDescriptor(ctx cas.Context, desc []byte) bool {
	if a.sa == nil {
		a.chid = noCHID

		if provider := ctx.Provider(); len(provider) > 3 {
			a.sa = provider[3:]
		}
		a.ua = ctx.UA()

		if casData := ctx.CASData(); len(casData) >= 2 && casData[1] != 0 {
			a.chid = uint16(casData[0])<<8 | uint16(casData[1])
		}
	}

	return true
}

func init() {
	cas.Register(cas.Factory{Name: "irdeto", CheckCAID: CheckCAID, New: New})
}
