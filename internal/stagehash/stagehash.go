// Package stagehash derives the stable hashes that key stages and events.
//
// A stage's hash is computed from its event definitions only, so redefining
// a stage (changing either endpoint event) yields a new hash and starts a
// fresh fact row series instead of corrupting the historical one. All
// functions are pure and deterministic.
package stagehash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Event returns the deduplication hash for an event identifier. Two stages
// sharing an event share the hash, so the loader computes each event's
// timestamps once per batch.
func Event(identifier string) string {
	return hashFields(identifier)
}

// Stage returns the stable hash of a stage from its start and end event
// hashes.
func Stage(startEventHash, endEventHash string) string {
	return hashFields(startEventHash, endEventHash)
}

// hashFields produces a SHA-256 hex digest over length-prefixed fields.
// Each field is encoded as a 4-byte big-endian length followed by the field
// bytes, so no delimiter can collide with field content.
func hashFields(fields ...string) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
