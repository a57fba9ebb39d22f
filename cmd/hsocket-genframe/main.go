package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"hsocket/pkg/filetransfer"
	"hsocket/pkg/protocol"
)

// hsocket-genframe writes one sample frame per content type, typed binary
// bodies and the file-transfer control frames, for use as wire fixtures.
func main() {
	outDir := flag.String("out", "testdata/frame", "output directory for binary frames")
	flag.Parse()
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	writeOut(*outDir, "frame_header_only.bin", mustFrame(protocol.HeaderOnly(1, 0)))
	writeOut(*outDir, "frame_text.bin", mustFrame(protocol.PlainText(2, 0, "hello hsocket")))
	writeOut(*outDir, "frame_json.bin", mustFrame(protocol.JSON(0, 0, map[string]any{"text0": "hi"})))
	writeOut(*outDir, "frame_json_reply.bin", mustFrame(protocol.JSON(0, 1, map[string]any{"reply": "hello 0"})))
	writeOut(*outDir, "frame_binary.bin", mustFrame(protocol.Binary(3, 0, []byte{0xde, 0xad, 0xbe, 0xef})))

	// typed bodies inside BINARY frames
	body := map[string]any{"ok": true, "n": 42}
	for _, f := range []protocol.Format{protocol.FormatJSON, protocol.FormatCBOR} {
		m, err := protocol.BinaryBody(4, 0, f, body, nil)
		if err != nil {
			log.Fatal(err)
		}
		writeOut(*outDir, fmt.Sprintf("frame_body_%s.bin", formatName(f)), mustFrame(m))
	}
	st, err := structpb.NewStruct(body)
	if err != nil {
		log.Fatal(err)
	}
	pm, err := protocol.BinaryBody(4, 0, protocol.FormatProto, st, nil)
	if err != nil {
		log.Fatal(err)
	}
	writeOut(*outDir, "frame_body_proto.bin", mustFrame(pm))

	// file transfer control frames and one raw file frame
	writeOut(*outDir, "frame_ft_port.bin", mustFrame(filetransfer.PortMessage(50123)))
	writeOut(*outDir, "frame_ft_files_header.bin", mustFrame(filetransfer.FilesHeader(2)))
	var raw strings.Builder
	if err := filetransfer.WriteFile(&raw, strings.NewReader("file body"), "a.txt", 9, 0); err != nil {
		log.Fatal(err)
	}
	writeOut(*outDir, "raw_file_a.bin", []byte(raw.String()))

	fmt.Println("Generated frames in", *outDir)
}

func formatName(f protocol.Format) string {
	switch f {
	case protocol.FormatJSON:
		return "json"
	case protocol.FormatCBOR:
		return "cbor"
	default:
		return "proto"
	}
}

func mustFrame(m protocol.Message) []byte {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Fatal(err)
	}
	return b
}

func writeOut(dir, name string, b []byte) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%-28s %5d bytes  head: %s\n", name, len(b), shortHex(b, 32))
}

func shortHex(b []byte, n int) string {
	if len(b) == 0 {
		return ""
	}
	n = min(n, len(b))
	enc := hex.EncodeToString(b[:n])
	if len(b) > n {
		enc += "..."
	}
	var out []string
	for i := 0; i < len(enc); i += 4 {
		out = append(out, enc[i:min(i+4, len(enc))])
	}
	return strings.Join(out, " ")
}
