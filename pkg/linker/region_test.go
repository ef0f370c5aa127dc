package linker

import (
	"bytes"
	"testing"
)

func TestMemoryAreaWrite(t *testing.T) {
	m := NewMemoryArea(32)
	m.AddSpace(0, 8)
	m.AddSpace(16, 16)

	m.With(0, 4, func(buf []byte) { copy(buf, "ELF!") })
	m.With(20, 4, func(buf []byte) { copy(buf, "data") })

	img := m.Close()
	if !bytes.Equal(img[:4], []byte("ELF!")) || !bytes.Equal(img[20:24], []byte("data")) {
		t.Fatalf("image = %q", img)
	}
}

func TestMemoryAreaLeases(t *testing.T) {
	m := NewMemoryArea(64)
	s := m.AddSpace(0, 64)

	r := m.Request(0, 16)
	if s.Leases() != 1 {
		t.Fatalf("leases = %d", s.Leases())
	}
	expectAssertion(t, func() { m.Request(8, 16) })

	r2 := m.Request(16, 16)
	r.Release()
	r2.Release()
	if s.Leases() != 0 {
		t.Fatalf("leases = %d", s.Leases())
	}
	expectAssertion(t, func() { r.Release() })
}

func TestMemoryAreaContract(t *testing.T) {
	m := NewMemoryArea(32)
	m.AddSpace(8, 8)

	expectAssertion(t, func() { m.AddSpace(12, 8) })
	expectAssertion(t, func() { m.AddSpace(0, 64) })
	expectAssertion(t, func() { m.Request(0, 4) })
	expectAssertion(t, func() { m.Request(12, 8) })

	m.Request(8, 4)
	expectAssertion(t, func() { m.Close() })
}
