package isotp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestParseFrames_SingleFrame(t *testing.T) {
	// Compact single frame: PCI=0, len=6, payload "410D000000".
	payload, err := ParseFrames([]string{"06410D000000"})
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	want, _ := hex.DecodeString("410D000000")
	if !bytes.Equal(payload, want) {
		t.Fatalf("got %x, want %x", payload, want)
	}
}

func TestParseFrames_MultiFrameSOC(t *testing.T) {
	// Per-frame data bytes (CAN ID already stripped) from a real Kia
	// Niro EV battery-status response:
	//   7EC 10 3E 62 01 01 EF FB E7
	//   7EC 21 ED 69 00 00 00 00 00
	//   7EC 22 00 00 0E 26 0D 0C 0D
	//   7EC 23 0D 0D 00 00 00 34 BC
	//   7EC 24 18 BC 56 00 00 7C 00
	//   7EC 25 02 DE 80 00 02 C9 55
	//   7EC 26 00 01 19 AF 00 01 07
	//   7EC 27 C3 00 EC 65 6F 00 00
	//   7EC 28 03 00 00 00 00 0B B8
	frames := []string{
		"103E620101EFFBE7",
		"21ED690000000000",
		"2200000E260D0C0D",
		"230D0D00000034BC",
		"2418BC5600007C00",
		"2502DE800002C955",
		"260001" + "19AF0001" + "07",
		"27C300EC656F0000",
		"28030000" + "00000BB8",
	}

	payload, err := ParseFrames(frames)
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if len(payload) < 5 {
		t.Fatalf("payload too short: %x", payload)
	}
	if payload[0] != 0x62 {
		t.Fatalf("service echo = %#x, want 0x62", payload[0])
	}
	did := uint16(payload[1])<<8 | uint16(payload[2])
	if did != 0x0101 {
		t.Fatalf("DID = %#x, want 0x0101", did)
	}
	// Offset 4 of the DID-stripped payload (service byte + 2-byte DID
	// removed, i.e. assembled[3+4]) is the SOC byte.
	if payload[7] != 0x69 {
		t.Fatalf("payload[7] = %#x, want 0x69 (SOC byte)", payload[7])
	}
}

func TestParseFrames_SequenceGap(t *testing.T) {
	_, err := ParseFrames([]string{
		"1010AAAAAAAAAAAA",
		"22BBBBBBBBBBBBBB",
	})
	if !errors.Is(err, ErrSequenceMismatch) {
		t.Fatalf("got %v, want ErrSequenceMismatch", err)
	}
}

func TestParseFrames_ConsecutiveBeforeFirst(t *testing.T) {
	_, err := ParseFrames([]string{"21AAAAAAAAAAAAAA"})
	if !errors.Is(err, ErrConsecutiveBeforeFirst) {
		t.Fatalf("got %v, want ErrConsecutiveBeforeFirst", err)
	}
}

func TestParseFrames_InvalidPCI(t *testing.T) {
	_, err := ParseFrames([]string{"F0AAAAAAAAAAAAAA"})
	if !errors.Is(err, ErrInvalidPCI) {
		t.Fatalf("got %v, want ErrInvalidPCI", err)
	}
}

func TestParseFrames_Incomplete(t *testing.T) {
	// First frame declares N=14 but no consecutive frames follow.
	_, err := ParseFrames([]string{"100EAABBCCDDEEFF"})
	if !errors.Is(err, ErrIncompleteMessage) {
		t.Fatalf("got %v, want ErrIncompleteMessage", err)
	}
}

func TestParseFrames_InvalidHex(t *testing.T) {
	_, err := ParseFrames([]string{"ZZ"})
	if !errors.Is(err, ErrInvalidHex) {
		t.Fatalf("got %v, want ErrInvalidHex", err)
	}
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{1, 6, 7, 8, 13, 14, 15, 100, 4095}
	for _, n := range sizes {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 256)
		}
		frames, err := Chunk(payload)
		if err != nil {
			t.Fatalf("Chunk(%d): %v", n, err)
		}
		got, err := ParseFrames(frames)
		if err != nil {
			t.Fatalf("ParseFrames after Chunk(%d): %v", n, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch at size %d", n)
		}
	}
}
