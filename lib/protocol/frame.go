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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body. The largest legitimate frame is
// a FILE_CHUNK: 64 KiB of payload grows ~4/3 under base64 plus the JSON
// envelope, so 1 MiB leaves ample headroom while stopping hostile prefixes.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

const prefixSize = 4

// WriteMessage encodes m and writes it as one length-prefixed frame:
// a uint32 big-endian body length followed by the JSON body.
func WriteMessage(w io.Writer, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, prefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[prefixSize:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one length-prefixed frame and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return Decode(body)
}

// Datagram encodes m as a self-contained framed datagram payload. UDP
// heartbeats use the same length-prefixed layout as TCP frames.
func Datagram(m Message) ([]byte, error) {
	body, err := Encode(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, prefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[prefixSize:], body)
	return frame, nil
}

// ParseDatagram decodes one framed datagram payload. Trailing bytes after
// the framed body are rejected.
func ParseDatagram(data []byte) (Message, error) {
	if len(data) < prefixSize {
		return nil, &ParseError{Reason: "datagram shorter than frame prefix"}
	}
	length := binary.BigEndian.Uint32(data[:prefixSize])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if int(length) != len(data)-prefixSize {
		return nil, &ParseError{Reason: "datagram length does not match prefix"}
	}
	return Decode(data[prefixSize:])
}
