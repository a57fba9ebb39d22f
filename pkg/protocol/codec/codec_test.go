package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodecNoEscapeNoNewline(t *testing.T) {
	c := JSON()
	b, err := c.Marshal(map[string]any{"html": "<a&b>"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"html":"<a&b>"}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["html"] != "<a&b>" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestJSONCodecRejectsTrailingData(t *testing.T) {
	var out map[string]any
	if err := JSON().Unmarshal([]byte(`{"a":1} {"b":2}`), &out); err == nil {
		t.Fatalf("expected error for trailing data")
	}
}

func TestCBORCodecDecodesStringMaps(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	b, err := c.Marshal(map[string]any{"n": 42, "inner": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n, ok := out["n"].(uint64); !ok || n != 42 {
		t.Fatalf("n mismatch: %#v", out["n"])
	}
	inner, ok := out["inner"].(map[string]any)
	if !ok || inner["k"] != "v" {
		t.Fatalf("inner map mismatch: %#v", out["inner"])
	}
}

func TestProtoCodec(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
	if _, err := c.Marshal(map[string]any{}); err == nil {
		t.Fatalf("expected error for non-proto value")
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	for _, mt := range []string{"application/json", "application/cbor", "application/x-protobuf"} {
		if r.Get(mt) == nil {
			t.Fatalf("missing default codec %s", mt)
		}
	}
	if r.Get("text/plain") != nil {
		t.Fatalf("unexpected codec for text/plain")
	}
}
