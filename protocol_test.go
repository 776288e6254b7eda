// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMBAPHeaderEncodeDecode(t *testing.T) {
	original := MBAPHeader{
		TransactionID: 0x1234,
		ProtocolID:    0,
		Length:        6,
		UnitID:        1,
	}

	encoded := original.Encode()
	if len(encoded) != MBAPHeaderSize {
		t.Fatalf("expected %d bytes, got %d", MBAPHeaderSize, len(encoded))
	}

	expected := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x01}
	if !bytes.Equal(encoded, expected) {
		t.Errorf("Encode: expected %v, got %v", expected, encoded)
	}

	var decoded MBAPHeader
	if err := decoded.Decode(encoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded != original {
		t.Errorf("Decode: expected %+v, got %+v", original, decoded)
	}
}

func TestMBAPHeaderDecodeShort(t *testing.T) {
	var h MBAPHeader
	err := h.Decode([]byte{0x00, 0x01, 0x00})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestFrameEncodeDecode(t *testing.T) {
	f := &Frame{
		Header: MBAPHeader{TransactionID: 7, UnitID: 17},
		PDU:    []byte{0x03, 0x00, 0x0A, 0x00, 0x01},
	}

	data := f.Encode()
	if f.Header.Length != 6 {
		t.Errorf("Length: expected 6, got %d", f.Header.Length)
	}
	if len(data) != MBAPHeaderSize+5 {
		t.Fatalf("expected %d bytes, got %d", MBAPHeaderSize+5, len(data))
	}

	var decoded Frame
	if err := decoded.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Header.TransactionID != 7 || decoded.Header.UnitID != 17 {
		t.Errorf("header mismatch: %+v", decoded.Header)
	}
	if !bytes.Equal(decoded.PDU, f.PDU) {
		t.Errorf("PDU: expected %v, got %v", f.PDU, decoded.PDU)
	}
}

func TestFrameDecodeIncomplete(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00}
	var f Frame
	if err := f.Decode(data); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestFrameReply(t *testing.T) {
	req := &Frame{
		Header: MBAPHeader{TransactionID: 0xBEEF, Length: 6, UnitID: 9},
		PDU:    []byte{0x03, 0x00, 0x00, 0x00, 0x01},
	}

	reply := req.Reply([]byte{0x83, 0x02})
	data := reply.Encode()

	expected := []byte{0xBE, 0xEF, 0x00, 0x00, 0x00, 0x03, 0x09, 0x83, 0x02}
	if !bytes.Equal(data, expected) {
		t.Errorf("Reply: expected %v, got %v", expected, data)
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	first := &Frame{Header: MBAPHeader{TransactionID: 1, UnitID: 1}, PDU: []byte{0x01, 0x00, 0x00, 0x00, 0x08}}
	second := &Frame{Header: MBAPHeader{TransactionID: 2, UnitID: 1}, PDU: []byte{0x11}}
	WriteFrame(&buf, first)
	WriteFrame(&buf, second)

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Header.TransactionID != 1 || !bytes.Equal(f.PDU, first.PDU) {
		t.Errorf("first frame mismatch: %+v", f)
	}

	f, err = ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Header.TransactionID != 2 || !bytes.Equal(f.PDU, []byte{0x11}) {
		t.Errorf("second frame mismatch: %+v", f)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at frame boundary, got %v", err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "truncated header",
			data:    []byte{0x00, 0x01, 0x00, 0x00},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "truncated PDU",
			data:    []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "header only",
			data:    []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "bad protocol id",
			data:    []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
			wantErr: ErrInvalidFrame,
		},
		{
			name:    "length too small",
			data:    []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01},
			wantErr: ErrInvalidFrame,
		},
		{
			name:    "length too large",
			data:    []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01},
			wantErr: ErrInvalidFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReadFrameMaxPDU(t *testing.T) {
	pdu := make([]byte, MaxPDUSize)
	pdu[0] = 0x10
	var buf bytes.Buffer
	WriteFrame(&buf, &Frame{Header: MBAPHeader{TransactionID: 3}, PDU: pdu})

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(f.PDU) != MaxPDUSize {
		t.Errorf("PDU length: expected %d, got %d", MaxPDUSize, len(f.PDU))
	}
}
