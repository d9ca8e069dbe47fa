package mpegts

import "fmt"

// MaxSectionSize is the largest PSI section buffer this package will
// reassemble (§3: "a reassembly buffer up to 4,096 bytes").
const MaxSectionSize = 4096

// SectionBuffer reassembles PSI section payloads for a single PID across
// consecutive TS packets, tracking the previously accepted CRC for
// repeat-suppression (§4.2: "de-duplication of repeats").
type SectionBuffer struct {
	buf          [MaxSectionSize]byte
	filled       int
	expectedSize int
	lastCRC      uint32
	haveLastCRC  bool
}

// NewSectionBuffer returns an empty section reassembly buffer.
func NewSectionBuffer() *SectionBuffer {
	return &SectionBuffer{}
}

// Reset discards any partially accumulated section.
func (s *SectionBuffer) Reset() {
	s.filled = 0
	s.expectedSize = 0
}

// ResetCRC forgets the last-accepted CRC so the next matching section is
// delivered even if its CRC did not change. Used when a caller forces a
// full reload of a PID's table state (§4.4 stream_reload).
func (s *SectionBuffer) ResetCRC() {
	s.lastCRC = 0
	s.haveLastCRC = false
}

// LastCRC returns the most recently accepted CRC32 and whether one has been
// accepted yet.
func (s *SectionBuffer) LastCRC() (uint32, bool) {
	return s.lastCRC, s.haveLastCRC
}

// Ingest appends one TS packet belonging to this PID's PSI reassembly and
// returns the completed, CRC-verified section payload (including its
// trailing CRC32) when a new section has been fully reassembled and is not
// a repeat of the last accepted one. Per §4.2: a PUSI packet restarts
// reassembly at the pointer field; payload is appended up to the declared
// section length (capped at MaxSectionSize); CRC mismatches are reported
// as an error and the section is discarded; repeats of the last accepted
// CRC are suppressed (ok=false, err=nil).
func (s *SectionBuffer) Ingest(pkt []byte) (section []byte, ok bool, err error) {
	payload := pkt[PayloadOffset(pkt):]

	if PayloadUnitStart(pkt) {
		if len(payload) == 0 {
			return nil, false, fmt.Errorf("mpegts: PSI PUSI packet has no payload")
		}
		pointer := int(payload[0])
		start := 1 + pointer
		if start > len(payload) {
			s.Reset()
			return nil, false, fmt.Errorf("mpegts: PSI pointer field out of range")
		}
		payload = payload[start:]
		s.Reset()
	} else if s.expectedSize == 0 {
		// No section in progress and this packet doesn't start one.
		return nil, false, nil
	}

	for len(payload) > 0 {
		if s.filled == 0 {
			if len(payload) < 3 {
				break
			}
			if payload[0] == 0xFF {
				// Stuffing; nothing more to do on this PID until next PUSI.
				s.Reset()
				return nil, false, nil
			}
			sectionLength := int(payload[1]&0x0F)<<8 | int(payload[2])
			s.expectedSize = 3 + sectionLength
			if s.expectedSize > MaxSectionSize {
				s.Reset()
				return nil, false, fmt.Errorf("mpegts: PSI section length %d exceeds max %d", s.expectedSize, MaxSectionSize)
			}
		}

		need := s.expectedSize - s.filled
		n := len(payload)
		if n > need {
			n = need
		}
		copy(s.buf[s.filled:], payload[:n])
		s.filled += n
		payload = payload[n:]

		if s.filled < s.expectedSize {
			continue
		}

		complete := s.buf[:s.filled]
		s.Reset()

		crc, cerr := VerifyCRC32(complete)
		if cerr != nil {
			return nil, false, fmt.Errorf("mpegts: %w", cerr)
		}

		if s.haveLastCRC && crc == s.lastCRC {
			return nil, false, nil
		}
		s.lastCRC = crc
		s.haveLastCRC = true

		out := make([]byte, len(complete))
		copy(out, complete)
		return out, true, nil
	}

	return nil, false, nil
}
