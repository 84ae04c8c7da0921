// Copyright (c) 2024 Lanpush Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeCarriesTypeTag(t *testing.T) {
	data, err := Encode(Heartbeat{Name: "a", IP: "192.168.1.2", Port: 12000, OS: "linux"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("encoded payload is not JSON: %v", err)
	}
	if fields["type"] != "HEARTBEAT" {
		t.Errorf(`expected type "HEARTBEAT", got %v`, fields["type"])
	}
	if fields["ip"] != "192.168.1.2" {
		t.Errorf("expected ip field, got %v", fields["ip"])
	}
}

func TestDecodeOfferRoundTrip(t *testing.T) {
	data, err := Encode(FileOffer{Filename: "report.pdf", Size: 1234, MD5: "abc123"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	offer, ok := msg.(FileOffer)
	if !ok {
		t.Fatalf("expected FileOffer, got %T", msg)
	}
	if offer.Filename != "report.pdf" || offer.Size != 1234 || offer.MD5 != "abc123" {
		t.Errorf("round trip mangled offer: %+v", offer)
	}
}

func TestChunkDataIsBase64OnTheWire(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	data, err := Encode(FileChunk{Seq: 3, Data: payload})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(data), `"data":"AAH+/w=="`) {
		t.Errorf("chunk data not base64 encoded: %s", data)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	chunk := msg.(FileChunk)
	if chunk.Seq != 3 || !bytes.Equal(chunk.Data, payload) {
		t.Errorf("round trip mangled chunk: %+v", chunk)
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"BOGUS"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}

	var parseErr *ParseError
	_, err := Decode([]byte(`{"no_type":true}`))
	if !errors.As(err, &parseErr) {
		t.Errorf("expected ParseError, got %v", err)
	}
}

func TestStreamReaderHonorsPrefix(t *testing.T) {
	var buf bytes.Buffer
	messages := []Message{
		FileOffer{Filename: "a.txt", Size: 5, MD5: "x"},
		FileAccept{},
		FileMeta{Chunks: 1, ChunkSize: 65536},
		FileChunk{Seq: 0, Data: []byte("hello")},
		FileDone{MD5: "x"},
	}
	for _, m := range messages {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	for i, want := range messages {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage %d failed: %v", i, err)
		}
		if got.Type() != want.Type() {
			t.Errorf("message %d: expected %s, got %s", i, want.Type(), got.Type())
		}
	}
}

func TestReadMessageRejectsOversizedPrefix(t *testing.T) {
	frame := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadMessage(bytes.NewReader(frame)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestParseDatagram(t *testing.T) {
	hb := Heartbeat{Name: "n", IP: "10.0.0.1", Port: 12001, OS: "windows"}
	data, err := Datagram(hb)
	if err != nil {
		t.Fatalf("Datagram failed: %v", err)
	}

	msg, err := ParseDatagram(data)
	if err != nil {
		t.Fatalf("ParseDatagram failed: %v", err)
	}
	if got := msg.(Heartbeat); got != hb {
		t.Errorf("round trip mangled heartbeat: %+v", got)
	}

	// Truncated and padded datagrams are rejected.
	if _, err := ParseDatagram(data[:len(data)-1]); err == nil {
		t.Error("expected error for truncated datagram")
	}
	if _, err := ParseDatagram(append(data, 'x')); err == nil {
		t.Error("expected error for datagram with trailing bytes")
	}
	if _, err := ParseDatagram([]byte{0x00}); err == nil {
		t.Error("expected error for datagram shorter than prefix")
	}
}
