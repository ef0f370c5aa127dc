package linker

import (
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

const gnuHashShift = 26

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// gnuHashTable describes .gnu.hash. Only the tail of .dynsym starting at
// symOffset is hashed, sorted by bucket.
type gnuHashTable struct {
	symOffset uint32
	nbucket   uint32
	nbloom    uint32
	nhashed   uint32
}

func (g *gnuHashTable) size() uint64 {
	return 16 + uint64(g.nbloom)*8 + uint64(g.nbucket)*4 + uint64(g.nhashed)*4
}

// sortForGnuHash moves the symbols .gnu.hash does not cover to the front
// and orders the rest by bucket.
func sortForGnuHash(syms []*ResolveInfo) ([]*ResolveInfo, gnuHashTable) {
	var undef, hashed []*ResolveInfo
	for _, sym := range syms {
		if sym.IsUndefined() || sym.IsDyn() {
			undef = append(undef, sym)
		} else {
			hashed = append(hashed, sym)
		}
	}

	g := gnuHashTable{
		symOffset: uint32(len(undef) + 1),
		nbucket:   uint32(len(hashed)/4 + 1),
		nbloom:    1,
		nhashed:   uint32(len(hashed)),
	}
	for uint64(g.nbloom)*64 < uint64(len(hashed))*12 {
		g.nbloom <<= 1
	}

	sort.SliceStable(hashed, func(i, j int) bool {
		return gnuHash(hashed[i].Name)%g.nbucket < gnuHash(hashed[j].Name)%g.nbucket
	})
	return append(undef, hashed...), g
}

func (g *gnuHashTable) write(buf []byte, syms []*ResolveInfo) {
	utils.Write[uint32](buf, g.nbucket)
	utils.Write[uint32](buf[4:], g.symOffset)
	utils.Write[uint32](buf[8:], g.nbloom)
	utils.Write[uint32](buf[12:], gnuHashShift)

	bloom := buf[16:]
	buckets := bloom[g.nbloom*8:]
	chains := buckets[g.nbucket*4:]

	hashed := syms[g.symOffset-1:]
	for i, sym := range hashed {
		h := gnuHash(sym.Name)

		word := bloom[(h/64)%g.nbloom*8:]
		bits := utils.Read[uint64](word)
		bits |= uint64(1)<<(h%64) | uint64(1)<<((h>>gnuHashShift)%64)
		utils.Write[uint64](word, bits)

		b := h % g.nbucket
		if utils.Read[uint32](buckets[b*4:]) == 0 {
			utils.Write[uint32](buckets[b*4:], g.symOffset+uint32(i))
		}

		chain := h &^ 1
		if i == len(hashed)-1 || gnuHash(hashed[i+1].Name)%g.nbucket != b {
			chain |= 1
		}
		utils.Write[uint32](chains[i*4:], chain)
	}
}
