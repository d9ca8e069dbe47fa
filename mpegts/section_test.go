package mpegts

import "testing"

// buildSection assembles a table-id-prefixed PSI section body (without the
// leading pointer field) given the payload that follows the 3-byte header,
// filling in section_length and appending the CRC32.
func buildSection(tableID byte, rest []byte) []byte {
	section := make([]byte, 3, 3+len(rest)+4)
	section[0] = tableID
	section[1] = 0xB0 // section_syntax_indicator=1, reserved bits
	section = append(section, rest...)
	SetSectionLength(section, len(section)-3+4)
	return AppendCRC32(section)
}

func TestSectionBufferSinglePacket(t *testing.T) {
	t.Parallel()
	section := buildSection(TableIDPAT, []byte{
		0x00, 0x01, // transport_stream_id
		0xC1,       // version/current_next
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, 0xE0, 0x20, // program 1 -> PID 0x20
	})

	var cc uint8
	packets := PacketizeSection(0x00, section, &cc)
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}

	sb := NewSectionBuffer()
	got, ok, err := sb.Ingest(packets[0])
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !ok {
		t.Fatal("expected section to be complete")
	}
	if len(got) != len(section) {
		t.Fatalf("reassembled length = %d, want %d", len(got), len(section))
	}

	pat, err := ParsePAT(got)
	if err != nil {
		t.Fatalf("ParsePAT: %v", err)
	}
	if len(pat.Programs) != 1 || pat.Programs[0].PID != 0x20 {
		t.Errorf("unexpected PAT programs: %+v", pat.Programs)
	}
}

func TestSectionBufferRepeatSuppressed(t *testing.T) {
	t.Parallel()
	section := buildSection(TableIDPAT, []byte{
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0, 0x20,
	})
	var cc uint8
	packets := PacketizeSection(0x00, section, &cc)

	sb := NewSectionBuffer()
	_, ok, err := sb.Ingest(packets[0])
	if err != nil || !ok {
		t.Fatalf("first ingest: ok=%v err=%v", ok, err)
	}

	cc2 := uint8(0)
	repeat := PacketizeSection(0x00, section, &cc2)
	_, ok, err = sb.Ingest(repeat[0])
	if err != nil {
		t.Fatalf("repeat ingest error: %v", err)
	}
	if ok {
		t.Error("repeated section should be suppressed")
	}
}

func TestSectionBufferResetCRCRedelivers(t *testing.T) {
	t.Parallel()
	section := buildSection(TableIDPAT, []byte{
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0, 0x20,
	})
	var cc uint8
	packets := PacketizeSection(0x00, section, &cc)

	sb := NewSectionBuffer()
	_, ok, _ := sb.Ingest(packets[0])
	if !ok {
		t.Fatal("expected first ingest to complete")
	}

	sb.ResetCRC()
	cc2 := uint8(0)
	again := PacketizeSection(0x00, section, &cc2)
	_, ok, err := sb.Ingest(again[0])
	if err != nil {
		t.Fatalf("Ingest after ResetCRC: %v", err)
	}
	if !ok {
		t.Error("expected redelivery after ResetCRC")
	}
}

func TestSectionBufferCorruptedCRC(t *testing.T) {
	t.Parallel()
	section := buildSection(TableIDPAT, []byte{
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0, 0x20,
	})
	section[len(section)-1] ^= 0xFF // corrupt CRC

	var cc uint8
	packets := PacketizeSection(0x00, section, &cc)

	sb := NewSectionBuffer()
	_, ok, err := sb.Ingest(packets[0])
	if err == nil {
		t.Fatal("expected CRC error")
	}
	if ok {
		t.Error("corrupted section should not be reported ok")
	}
}

func TestSectionBufferMultiPacket(t *testing.T) {
	t.Parallel()
	rest := make([]byte, 0, 300)
	rest = append(rest, 0x00, 0x01, 0xC1, 0x00, 0x00)
	for i := 0; i < 50; i++ {
		rest = append(rest, 0x00, byte(i), 0xE0, byte(0x21+i))
	}
	section := buildSection(TableIDPAT, rest)
	if len(section) <= PacketSize {
		t.Fatalf("test section too small to span packets: %d bytes", len(section))
	}

	var cc uint8
	packets := PacketizeSection(0x10, section, &cc)
	if len(packets) < 2 {
		t.Fatalf("expected multiple packets, got %d", len(packets))
	}

	sb := NewSectionBuffer()
	var got []byte
	for _, pkt := range packets {
		out, ok, err := sb.Ingest(pkt)
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if ok {
			got = out
		}
	}
	if got == nil {
		t.Fatal("section never completed")
	}
	if len(got) != len(section) {
		t.Fatalf("reassembled length = %d, want %d", len(got), len(section))
	}
}
