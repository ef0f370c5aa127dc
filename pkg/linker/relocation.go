package linker

import "github.com/ksco/elfld/pkg/utils"

// Relocation is one input relocation bound to a place and a symbol.
type Relocation struct {
	Type   uint32
	Addend int64
	Offset uint64

	Section *InputSection
	Sym     *ResolveInfo
	// Pair is the high-part relocation a PC-relative low part refers to.
	Pair *Relocation
	// Stub redirects a branch through a branch island.
	Stub *Stub

	// Data holds the patched bytes until they are synced to the output.
	Data   [8]byte
	Result Result

	// Range is the value and bounds of the last failed range check.
	Range [3]int64

	// OutSym and OutAddend are the rewritten operands of a partial link.
	OutSym    *ResolveInfo
	OutAddend int64
}

func (r *Relocation) Place() FragmentRef {
	return r.Section.Ref(r.Offset)
}

func (r *Relocation) Location() string {
	return r.Section.Location(r.Offset)
}

// checkInt records whether val fits in an n-bit signed field.
func (r *Relocation) checkInt(val int64, n int) bool {
	if utils.IsInt(val, n) {
		return true
	}
	r.Range = [3]int64{val, -(int64(1) << (n - 1)), int64(1)<<(n-1) - 1}
	return false
}

// checkUint records whether val fits in an n-bit field, accepting both
// signed and unsigned readings.
func (r *Relocation) checkUint(val uint64, n int) bool {
	if utils.IsUint(val, n) || utils.IsInt(int64(val), n) {
		return true
	}
	r.Range = [3]int64{int64(val), -(int64(1) << (n - 1)), int64(1)<<n - 1}
	return false
}
