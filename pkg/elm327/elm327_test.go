package elm327

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vlink/obdcore/pkg/connection/mock"
)

func handshakeScript() []mock.ScriptStep {
	return []mock.ScriptStep{
		{Expect: "ATZ", Respond: "ELM327 v1.5\r>"},
		{Expect: "ATE0", Respond: "OK\r>"},
		{Expect: "ATL0", Respond: "OK\r>"},
		{Expect: "ATS0", Respond: "OK\r>"},
		{Expect: "ATH1", Respond: "OK\r>"},
		{Expect: "ATSP0", Respond: "OK\r>"},
	}
}

func TestInitialize_ExactSequence(t *testing.T) {
	conn := mock.NewScripted(handshakeScript())
	conn.Open(context.Background())

	eng := New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH1", "ATSP0"}
	got := conn.Writes()
	if len(got) != len(want) {
		t.Fatalf("got %d writes, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSendUDSMessage_MultiFrameSOC(t *testing.T) {
	script := append(handshakeScript(),
		mock.ScriptStep{Expect: "ATSH7E4", Respond: "OK\r>"},
		mock.ScriptStep{Expect: "220101", Respond: "SEARCHING...\r" +
			"7EC 10 3E 62 01 01 EF FB E7 \r" +
			"7EC 21 ED 69 00 00 00 00 00 \r" +
			"7EC 22 00 00 0E 26 0D 0C 0D \r" +
			"7EC 23 0D 0D 00 00 00 34 BC \r" +
			"7EC 24 18 BC 56 00 00 7C 00 \r" +
			"7EC 25 02 DE 80 00 02 C9 55 \r" +
			"7EC 26 00 01 19 AF 00 01 07 \r" +
			"7EC 27 C3 00 EC 65 6F 00 00 \r" +
			"7EC 28 03 00 00 00 00 0B B8 \r>"},
	)
	conn := mock.NewScripted(script)
	conn.Open(context.Background())

	eng := New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	resp, err := eng.SendUDSMessage(context.Background(), 0x7E4, 0x22, []byte{0x01, 0x01})
	if err != nil {
		t.Fatalf("SendUDSMessage: %v", err)
	}
	if resp.ServiceEcho != 0x62 {
		t.Fatalf("ServiceEcho = %#x, want 0x62", resp.ServiceEcho)
	}
	if !resp.HasDID || resp.DataIdentifier != 0x0101 {
		t.Fatalf("DID = %#x (has=%v), want 0x0101", resp.DataIdentifier, resp.HasDID)
	}
	if len(resp.Payload) < 5 {
		t.Fatalf("payload too short: %x", resp.Payload)
	}
	if resp.Payload[4] != 0x69 {
		t.Fatalf("payload[4] (SOC byte) = %#x, want 0x69", resp.Payload[4])
	}
}

func TestSendUDSMessage_NoData(t *testing.T) {
	script := append(handshakeScript(),
		mock.ScriptStep{Expect: "ATSH7E4", Respond: "OK\r>"},
		mock.ScriptStep{Expect: "220101", Respond: "SEARCHING...\rNO DATA\r>"},
	)
	conn := mock.NewScripted(script)
	conn.Open(context.Background())

	eng := New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := eng.SendUDSMessage(context.Background(), 0x7E4, 0x22, []byte{0x01, 0x01})
	var nr *NoResponseError
	if !errors.As(err, &nr) || nr.Token != "NO DATA" {
		t.Fatalf("got %v, want NoResponseError{NO DATA}", err)
	}
}

func TestSendUDSMessage_NegativeResponse(t *testing.T) {
	script := append(handshakeScript(),
		mock.ScriptStep{Expect: "ATSH7E4", Respond: "OK\r>"},
		mock.ScriptStep{Expect: "220101", Respond: "7EC037F2231\r>"},
	)
	conn := mock.NewScripted(script)
	conn.Open(context.Background())

	eng := New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := eng.SendUDSMessage(context.Background(), 0x7E4, 0x22, []byte{0x01, 0x01})
	var nr *NegativeResponseError
	if !errors.As(err, &nr) {
		t.Fatalf("got %v, want NegativeResponseError", err)
	}
	if nr.NRC != 0x31 {
		t.Fatalf("NRC = %#x, want 0x31", nr.NRC)
	}
}

func TestSendUDSMessage_HeaderCaching(t *testing.T) {
	script := append(handshakeScript(),
		mock.ScriptStep{Expect: "ATSH7E4", Respond: "OK\r>"},
		mock.ScriptStep{Expect: "220101", Respond: "7EC0362010150\r>"},
		// Second call targets the same header: no ATSH expected this time.
		mock.ScriptStep{Expect: "220102", Respond: "7EC0362010260\r>"},
	)
	conn := mock.NewScripted(script)
	conn.Open(context.Background())

	eng := New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := eng.SendUDSMessage(context.Background(), 0x7E4, 0x22, []byte{0x01, 0x01}); err != nil {
		t.Fatalf("first SendUDSMessage: %v", err)
	}
	if _, err := eng.SendUDSMessage(context.Background(), 0x7E4, 0x22, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("second SendUDSMessage: %v", err)
	}
}

func TestParseResponse_DualFormat(t *testing.T) {
	spaced := "7EC 10 3E 62 01 01 EF FB E7 \r7EC 21 ED 69 00 00 00 00 00 \r"
	compact := "7EC103E620101EFFBE7\r7EC21ED690000000000\r"

	a, err := parseResponse(spaced)
	if err != nil {
		t.Fatalf("spaced: %v", err)
	}
	b, err := parseResponse(compact)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("frame counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("frame %d: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestParseResponse_ErrorTokens(t *testing.T) {
	tokens := []string{
		"NO DATA", "ERROR", "?", "STOPPED", "UNABLE TO CONNECT",
		"CAN ERROR", "BUFFER FULL", "<DATA ERROR",
	}
	for _, tok := range tokens {
		// Surround with informational noise and whitespace.
		raw := "SEARCHING...\r  " + tok + "  \r"
		_, err := parseResponse(raw)
		var nr *NoResponseError
		if !errors.As(err, &nr) {
			t.Fatalf("token %q: got %v, want NoResponseError", tok, err)
		}
	}
}

func countWrites(writes []string, cmd string) int {
	n := 0
	for _, w := range writes {
		if w == cmd {
			n++
		}
	}
	return n
}

func TestTesterPresent_StartStop(t *testing.T) {
	conn := mock.New(map[string]string{
		"ATZ":     "ELM327 v1.5\r>",
		"ATE0":    "OK\r>",
		"ATL0":    "OK\r>",
		"ATS0":    "OK\r>",
		"ATH1":    "OK\r>",
		"ATSP0":   "OK\r>",
		"ATSH7E4": "OK\r>",
		"220101":  "7EC0362010150\r>",
		"3E00":    "7EC027E00\r>",
	})
	conn.Open(context.Background())

	eng := New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := eng.SendUDSMessage(context.Background(), 0x7E4, 0x22, []byte{0x01, 0x01}); err != nil {
		t.Fatalf("SendUDSMessage: %v", err)
	}

	eng.StartTesterPresent(10 * time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for countWrites(conn.Writes(), "3E00") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("saw %d tester-present ticks, want >= 2", countWrites(conn.Writes(), "3E00"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	eng.StopTesterPresent()
	quiesced := countWrites(conn.Writes(), "3E00")
	time.Sleep(50 * time.Millisecond)
	if got := countWrites(conn.Writes(), "3E00"); got != quiesced {
		t.Fatalf("tester-present still ticking after stop: %d -> %d", quiesced, got)
	}
}
