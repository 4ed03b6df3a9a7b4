package manifest

// StringPool interns repeated strings (principally user/group names, which
// are shared across thousands of file/path/link entries) behind small
// integer references, per spec §9's note on avoiding owning-pointer cycles
// for manifest-wide shared data.
type StringPool struct {
	strs []string
	idx  map[string]Ref
}

// Ref is an index into a StringPool. The zero value, NoRef, denotes "unset".
type Ref int

// NoRef is the sentinel for an absent/unset reference.
const NoRef Ref = 0

// NewStringPool returns an empty pool. Index 0 is reserved for NoRef.
func NewStringPool() *StringPool {
	return &StringPool{strs: []string{""}, idx: make(map[string]Ref)}
}

// Intern returns the Ref for s, adding it to the pool if not already present.
// Interning the empty string returns NoRef.
func (p *StringPool) Intern(s string) Ref {
	if s == "" {
		return NoRef
	}
	if r, ok := p.idx[s]; ok {
		return r
	}
	r := Ref(len(p.strs))
	p.strs = append(p.strs, s)
	p.idx[s] = r
	return r
}

// Get returns the string for ref, or "" for NoRef.
func (p *StringPool) Get(ref Ref) string {
	if ref == NoRef {
		return ""
	}
	return p.strs[ref]
}
