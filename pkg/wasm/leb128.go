package wasm

import (
	"errors"
	"fmt"
)

// errTruncated is the internal unexpected-EOF marker; Prepare surfaces it as
// ErrUnparseable.
var errTruncated = errors.New("truncated")

// reader walks a byte slice with LEB128 helpers. All parse errors are
// positional so a rejected module can be diagnosed.
type reader struct {
	b   []byte
	off int
}

func (r *reader) len() int { return len(r.b) - r.off }

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.b) {
		return 0, errTruncated
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.len() < n {
		return nil, errTruncated
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

// u32 reads an unsigned LEB128 value of at most 32 bits.
func (r *reader) u32() (uint32, error) {
	var out uint32
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		if shift == 28 && b&0x70 != 0 {
			return 0, fmt.Errorf("u32 overflow at offset %d", r.off)
		}
		out |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return out, nil
		}
		shift += 7
		if shift > 28 {
			return 0, fmt.Errorf("u32 too long at offset %d", r.off)
		}
	}
}

// s64 reads a signed LEB128 value of at most 64 bits; i32 immediates decode
// through it as well.
func (r *reader) s64() (int64, error) {
	var out int64
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		out |= int64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				out |= -1 << shift
			}
			return out, nil
		}
		if shift >= 70 {
			return 0, fmt.Errorf("s64 too long at offset %d", r.off)
		}
	}
}

// vecLen reads a vector length and sanity-checks it against the remaining
// input so a hostile count cannot force a huge allocation.
func (r *reader) vecLen() (uint32, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if int64(n) > int64(r.len()) {
		return 0, fmt.Errorf("vector length %d exceeds input at offset %d", n, r.off)
	}
	return n, nil
}

func (r *reader) name() (string, error) {
	n, err := r.vecLen()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// appendU32 writes v as unsigned LEB128.
func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// appendS64 writes v as signed LEB128.
func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
