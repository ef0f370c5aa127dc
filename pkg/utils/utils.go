package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"runtime/debug"
	"strings"
)

type Uint interface {
	uint8 | uint16 | uint32 | uint64
}

func CountrZero[T Uint](n T) int {
	switch any(n).(type) {
	case uint8:
		return bits.TrailingZeros8(uint8(n))
	case uint16:
		return bits.TrailingZeros16(uint16(n))
	case uint32:
		return bits.TrailingZeros32(uint32(n))
	case uint64:
		return bits.TrailingZeros64(uint64(n))
	}

	Fatal("unreachable")
	return 0
}

func Fatal(v any) {
	fmt.Fprintln(os.Stderr, "elfld: "+"\033[0;1;31mfatal:\033[0m", fmt.Sprintf("%s", v))
	if os.Getenv("ELFLD_BACKTRACE") != "" {
		debug.PrintStack()
	}
	os.Exit(1)
}

// AssertionError is the panic value of a failed Assert. It marks an
// engine bug, never a problem with the user's input.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Msg
}

func Assert(condition bool, msg ...string) {
	if !condition {
		panic(&AssertionError{Msg: strings.Join(msg, " ")})
	}
}

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) & ^(align - 1)
}

func AllZeros(bs []byte) bool {
	b := byte(0)
	for _, s := range bs {
		b |= s
	}
	return b == 0
}

func Read[T any](data []byte) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, binary.LittleEndian, &val)
	if err != nil {
		panic(&AssertionError{Msg: err.Error()})
	}
	return
}

func Write[T any](data []byte, e T) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
		panic(&AssertionError{Msg: err.Error()})
	}
	copy(data, buf.Bytes())
}

func Bit[T Uint](val T, pos int) T {
	return (val >> pos) & 1
}

func Bits[T Uint](val T, hi T, lo T) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0

	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

// IsInt reports whether val fits in a signed n-bit field.
func IsInt(val int64, n int) bool {
	return -(int64(1)<<(n-1)) <= val && val < int64(1)<<(n-1)
}

// IsUint reports whether val fits in an unsigned n-bit field.
func IsUint(val uint64, n int) bool {
	return n >= 64 || val < uint64(1)<<n
}

func Max[T ~int | ~int64 | ~uint32 | ~uint64](a, b T) T {
	if a > b {
		return a
	}
	return b
}
