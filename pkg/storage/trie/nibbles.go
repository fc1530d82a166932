package trie

import "fmt"

// The trie navigates keys as sequences of nibbles (4-bit digits) in a
// radix-16 structure.

// bytesToNibbles expands a byte path into its nibble path.
func bytesToNibbles(b []byte) []byte {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = v >> 4
		out[i*2+1] = v & 0x0F
	}
	return out
}

// packNibbles serializes a nibble path with a parity prefix so odd-length
// paths survive the trip through bytes.
func packNibbles(ns []byte) []byte {
	out := make([]byte, 0, len(ns)/2+1)
	if len(ns)%2 == 1 {
		out = append(out, 0x10|ns[0])
		ns = ns[1:]
	} else {
		out = append(out, 0x00)
	}
	for i := 0; i < len(ns); i += 2 {
		out = append(out, ns[i]<<4|ns[i+1])
	}
	return out
}

// unpackNibbles reverses packNibbles.
func unpackNibbles(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty packed path")
	}
	var out []byte
	switch b[0] & 0xF0 {
	case 0x10:
		out = append(out, b[0]&0x0F)
	case 0x00:
		if b[0] != 0 {
			return nil, fmt.Errorf("malformed packed path prefix %#x", b[0])
		}
	default:
		return nil, fmt.Errorf("malformed packed path prefix %#x", b[0])
	}
	for _, v := range b[1:] {
		out = append(out, v>>4, v&0x0F)
	}
	return out, nil
}

// commonPrefixLen returns the length of the shared prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
