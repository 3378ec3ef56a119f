package atom

import "sync"

// === Atom table ===

// Atom is an interned string represented as a compact integer id. Equal
// strings intern to equal atoms; the zero Atom is invalid.
type Atom uint32

// Invalid is the zero atom. It never names an interned string.
const Invalid Atom = 0

var table = struct {
	mu    sync.Mutex
	byStr map[string]Atom
	strs  []string
}{
	byStr: make(map[string]Atom),
	strs:  []string{""}, // id 0 reserved
}

// FromString interns s, returning the existing atom if s was seen before.
func FromString(s string) Atom {
	table.mu.Lock()
	defer table.mu.Unlock()
	if a, ok := table.byStr[s]; ok {
		return a
	}
	a := Atom(len(table.strs))
	table.strs = append(table.strs, s)
	table.byStr[s] = a
	return a
}

// Unique allocates a fresh atom unconditionally. The string is kept for
// diagnostics only; FromString of the same string never returns this atom.
func Unique(s string) Atom {
	table.mu.Lock()
	defer table.mu.Unlock()
	a := Atom(len(table.strs))
	table.strs = append(table.strs, s)
	return a
}

// String returns the interned string, or "" for an unknown atom.
func (a Atom) String() string {
	table.mu.Lock()
	defer table.mu.Unlock()
	if int(a) >= len(table.strs) {
		return ""
	}
	return table.strs[a]
}

// Valid reports whether a names an interned string.
func (a Atom) Valid() bool {
	return a != Invalid
}
