package uds

import (
	"context"
	"testing"

	"github.com/vlink/obdcore/pkg/connection/mock"
	"github.com/vlink/obdcore/pkg/elm327"
)

func TestReadDataByIdentifier(t *testing.T) {
	script := []mock.ScriptStep{
		{Expect: "ATZ", Respond: "ELM327 v1.5\r>"},
		{Expect: "ATE0", Respond: "OK\r>"},
		{Expect: "ATL0", Respond: "OK\r>"},
		{Expect: "ATS0", Respond: "OK\r>"},
		{Expect: "ATH1", Respond: "OK\r>"},
		{Expect: "ATSP0", Respond: "OK\r>"},
		{Expect: "ATSH7E4", Respond: "OK\r>"},
		{Expect: "220101", Respond: "7EC0462010142\r>"},
	}
	conn := mock.NewScripted(script)
	conn.Open(context.Background())

	eng := elm327.New(conn, nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	client := New(eng)
	payload, err := client.ReadDataByIdentifier(context.Background(), 0x7E4, 0x0101)
	if err != nil {
		t.Fatalf("ReadDataByIdentifier: %v", err)
	}
	if len(payload) != 1 || payload[0] != 0x42 {
		t.Fatalf("payload = %x, want [0x42]", payload)
	}
}
