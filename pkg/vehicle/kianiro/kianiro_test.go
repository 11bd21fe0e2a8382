package kianiro

import "testing"

func TestDecode_StateOfCharge(t *testing.T) {
	// DID-stripped payload from the S1 transcript; offset 4 is the SOC byte.
	payload := []byte{0xEF, 0xFB, 0xE7, 0xED, 0x69, 0x00, 0x00}

	d := New()
	reading, err := d.Decode(DIDStateOfCharge, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if reading.Name != "state_of_charge" {
		t.Fatalf("Name = %q, want state_of_charge", reading.Name)
	}
	if reading.Value != float64(0x69)/2 {
		t.Fatalf("Value = %v, want %v", reading.Value, float64(0x69)/2)
	}
	if reading.Unit != "%" {
		t.Fatalf("Unit = %q, want %%", reading.Unit)
	}
}

func TestDecode_ShortPayload(t *testing.T) {
	d := New()
	if _, err := d.Decode(DIDStateOfCharge, []byte{0x01}); err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestDecode_UnsupportedDID(t *testing.T) {
	d := New()
	if _, err := d.Decode(0x9999, []byte{0, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for unsupported DID")
	}
}
