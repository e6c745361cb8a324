package codec

import (
	"bytes"
	"testing"
	"time"
)

type sample struct {
	Name  string            `cbor:"name"`
	Count int               `cbor:"count"`
	At    time.Time         `cbor:"at"`
	Tags  map[string]string `cbor:"tags"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{
		Name:  "contract.pdf",
		Count: 3,
		At:    time.Date(2025, 3, 1, 12, 0, 0, 42, time.UTC),
		Tags:  map[string]string{"z": "1", "a": "2", "m": "3"},
	}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("Expected identical encodings")
		}
	}

	var decoded sample
	if err := Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !decoded.At.Equal(v.At) {
		t.Errorf("Expected time %v, got %v", v.At, decoded.At)
	}
	if decoded.Tags["a"] != "2" {
		t.Errorf("Expected tag a=2, got %q", decoded.Tags["a"])
	}
}

func TestGRPCCodecName(t *testing.T) {
	if (GRPC{}).Name() != "cbor" {
		t.Errorf("Expected cbor content-subtype")
	}
}
