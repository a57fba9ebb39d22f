package protocol

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"hsocket/pkg/protocol/codec"
)

func TestBinaryBodyJSON(t *testing.T) {
	m, err := BinaryBody(11, 0, FormatJSON, map[string]any{"x": 1, "y": "z"}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if m.ContentType() != ContentBinary || m.Bytes()[0] != byte(FormatJSON) {
		t.Fatalf("unexpected body %v", m)
	}
	var out map[string]any
	f, err := DecodeBinaryBody(m, &out, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f != FormatJSON || out["y"] != "z" {
		t.Fatalf("format=%v out=%#v", f, out)
	}
}

func TestBinaryBodyCBORSurvivesWire(t *testing.T) {
	buf := bytes.Repeat([]byte{0xAA}, 16)
	m, err := BinaryBody(12, 0, FormatCBOR, map[string]any{"buf": buf}, codec.NewRegistry())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	got, _, err := ParseFrame(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out map[string]any
	if _, err := DecodeBinaryBody(got, &out, nil); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b, ok := out["buf"].([]byte); !ok || !bytes.Equal(b, buf) {
		t.Fatalf("buf mismatch: %#v", out["buf"])
	}
}

func TestBinaryBodyProto(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	m, err := BinaryBody(13, 0, FormatProto, s, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out structpb.Struct
	if _, err := DecodeBinaryBody(m, &out, nil); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("value mismatch")
	}
}

func TestDecodeBinaryBodyRejectsOtherContent(t *testing.T) {
	var out map[string]any
	if _, err := DecodeBinaryBody(PlainText(1, 0, "x"), &out, nil); !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("err = %v", err)
	}
	if _, err := DecodeBody(nil, []byte{0x7f, 1}, &out); err == nil {
		t.Fatalf("unknown format accepted")
	}
}
