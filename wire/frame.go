// Package wire implements the framed transport of spec §4.8/§6: a
// 4-byte big-endian length prefix around a tagged, gob-encoded payload,
// an HMAC-SHA256 handshake, and a deadline-indexed correlation table
// for call/spawn request-reply matching.
//
// The split-select accept/serve loop that uses this package lives in
// package cluster, adapted from the teacher's
// gossip/pkg/gossiper.go:serveLoop, which this package's framing
// replaces the teacher's net/rpc transport for.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame's payload size, guarding against
// a corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameBytes = 16 << 20 // 16 MiB

var ErrFrameTooLarge = errors.New("wire: frame exceeds MaxFrameBytes")

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload (spec §6 "Wire protocol").
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}
	return payload, nil
}
