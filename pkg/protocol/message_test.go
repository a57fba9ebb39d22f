package protocol

import "testing"

func TestMessageValidity(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"empty", Empty(), false},
		{"error", ErrorMessage(), false},
		{"header only", HeaderOnly(1, 0), true},
		{"text", PlainText(1, 0, "x"), true},
		{"json", JSON(1, 0, nil), true},
		{"binary", Binary(1, 0, nil), true},
	}
	for _, tt := range tests {
		if got := tt.msg.IsValid(); got != tt.want {
			t.Errorf("%s: IsValid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMessageIsImmutable(t *testing.T) {
	data := []byte{1, 2, 3}
	m := Binary(1, 0, data)
	data[0] = 9
	if m.Bytes()[0] != 1 {
		t.Fatalf("binary payload aliased caller slice")
	}
	obj := map[string]any{"k": "v"}
	j := JSON(1, 0, obj)
	obj["k"] = "changed"
	if j.Get("k") != "v" {
		t.Fatalf("json payload aliased caller map")
	}
}

func TestMessageGetInt(t *testing.T) {
	frame, err := Encode(JSON(FTSendFilesHeader, 0, map[string]any{"file_count": 3, "ratio": 0.5}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, _, err := ParseFrame(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n, ok := m.GetInt("file_count"); !ok || n != 3 {
		t.Fatalf("file_count = %d, %v", n, ok)
	}
	if _, ok := m.GetInt("ratio"); ok {
		t.Fatalf("non-integral number accepted")
	}
	if _, ok := m.GetInt("missing"); ok {
		t.Fatalf("missing key accepted")
	}
	if m.Get("missing") != nil {
		t.Fatalf("missing key should be nil")
	}
}
