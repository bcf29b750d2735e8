// Package unwrap removes the image wrapper some origins put in front of
// MPEG-TS segment bytes to disguise their content type.
package unwrap

import "bytes"

// Signature is the PNG file signature the origin prepends to segments.
var Signature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// SyncByte marks the start of an MPEG-TS packet.
const SyncByte = 0x47

// MinOffset is the first position searched for SyncByte. It skips the
// signature, which itself contains 0x47 ('G').
const MinOffset = 8

// HasSignature reports whether data starts with the disguise signature.
func HasSignature(data []byte) bool {
	return bytes.HasPrefix(data, Signature)
}

// Strip returns the media bytes inside a disguised segment.
//
// If data starts with Signature, the result is the sub-slice beginning at
// the first SyncByte at or after MinOffset. Data without the signature, or
// with the signature but no sync byte after it, is returned unchanged.
// The input is never modified.
func Strip(data []byte) []byte {
	if !HasSignature(data) {
		return data
	}

	idx := bytes.IndexByte(data[MinOffset:], SyncByte)
	if idx == -1 {
		return data
	}

	return data[MinOffset+idx:]
}
