package notify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA

	finBit  = 0x80
	maskBit = 0x80
)

// MaxClientPayload bounds the payload of a single inbound frame.
const MaxClientPayload = 64 << 10

// ErrFrameTooLarge is returned when a client frame exceeds MaxClientPayload.
var ErrFrameTooLarge = errors.New("notify: frame too large")

// EncodeTextFrame builds one unmasked, final text frame carrying payload.
//
// Lengths below 126 use a single length octet, lengths up to 65535 the 126
// marker plus two big-endian octets, and anything larger the 127 marker plus
// eight octets.
func EncodeTextFrame(payload []byte) []byte {
	return encodeFrame(opText, payload)
}

func encodeFrame(opcode byte, payload []byte) []byte {
	n := len(payload)
	var hdr []byte
	switch {
	case n < 126:
		hdr = []byte{finBit | opcode, byte(n)}
	case n <= 0xFFFF:
		hdr = make([]byte, 4)
		hdr[0] = finBit | opcode
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:], uint16(n))
	default:
		hdr = make([]byte, 10)
		hdr[0] = finBit | opcode
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(n))
	}
	out := make([]byte, 0, len(hdr)+n)
	out = append(out, hdr...)
	return append(out, payload...)
}

type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

// readFrame reads one client frame, unmasking its payload.
func readFrame(r io.Reader) (frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{fin: hdr[0]&finBit != 0, opcode: hdr[0] & 0x0F}
	masked := hdr[1]&maskBit != 0

	var n uint64
	switch l := hdr[1] &^ maskBit; l {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		n = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		n = binary.BigEndian.Uint64(ext[:])
	default:
		n = uint64(l)
	}
	if n > MaxClientPayload {
		return frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return frame{}, err
		}
	}
	f.payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, err
	}
	if masked {
		for i := range f.payload {
			f.payload[i] ^= key[i%4]
		}
	}
	return f, nil
}
