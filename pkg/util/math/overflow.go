package math

import "fmt"

const (
	MINUINT64 = uint64(0)
	MAXUINT64 = ^MINUINT64
)

func AddUint64Overflow(a uint64, b ...uint64) (uint64, error) {
	for _, v := range b {
		if MAXUINT64-a < v {
			return 0, fmt.Errorf("uint64 add overflow")
		}
		a += v
	}

	return a, nil
}

func SubUint64Overflow(a uint64, b ...uint64) (uint64, error) {
	for _, v := range b {
		if a < v {
			return 0, fmt.Errorf("uint64 sub overflow")
		}
		a -= v
	}

	return a, nil
}

// AddInt64Overflow adds two signed values, reporting an error when the sum
// cannot be represented.
func AddInt64Overflow(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("int64 add overflow")
	}
	return s, nil
}

// SaturatingAddUint64 adds b to a, clamping the result at cap.
func SaturatingAddUint64(a, b, cap uint64) uint64 {
	if MAXUINT64-a < b || a+b > cap {
		return cap
	}
	return a + b
}
