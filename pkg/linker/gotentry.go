package linker

type gotKey struct {
	sym *ResolveInfo
}

// GotEntry is one word of .got. Entries are keyed by symbol; TLS entries
// hold the thread-pointer offset instead of the address.
type GotEntry struct {
	Sym  *ResolveInfo
	Frag FragID
	TLS  bool
	Dyn  *DynReloc
}

func (e *GotEntry) Ref(g *GotSection) FragmentRef {
	return FragmentRef{Data: g.Section.Data, Frag: e.Frag}
}

func (e *GotEntry) Addr(g *GotSection) uint64 {
	return e.Ref(g).Addr()
}
