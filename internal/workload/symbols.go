package workload

import (
	"fmt"
	"sort"
)

// Synthetic code layout: every image gets its own page of text above TextBase.
const (
	TextBase    uint64 = 0x40_0000
	ImageStride uint64 = 0x1000
)

// Image is a loadable behaviour: the code a thread runs from its entry point.
type Image struct {
	Name  string
	Entry uint64
	load  func() (Behaviour, error)
}

// Load instantiates the behaviour for one thread.
func (im *Image) Load() (Behaviour, error) { return im.load() }

// SymbolTable maps entry addresses to images, the way a loader would resolve an
// instruction pointer to the code behind it.
type SymbolTable struct {
	byAddr map[uint64]*Image
	byName map[string]*Image
	next   uint64
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byAddr: make(map[uint64]*Image),
		byName: make(map[string]*Image),
		next:   TextBase,
	}
}

// Define places a new image at the next free address and returns its entry point.
func (s *SymbolTable) Define(name string, load func() (Behaviour, error)) (uint64, error) {
	if _, dup := s.byName[name]; dup {
		return 0, fmt.Errorf("symbol %q already defined", name)
	}
	im := &Image{Name: name, Entry: s.next, load: load}
	s.byAddr[im.Entry] = im
	s.byName[name] = im
	s.next += ImageStride
	return im.Entry, nil
}

// Lookup returns the image whose entry point is addr.
func (s *SymbolTable) Lookup(addr uint64) (*Image, bool) {
	im, ok := s.byAddr[addr]
	return im, ok
}

// Resolve returns the entry point of the named image.
func (s *SymbolTable) Resolve(name string) (uint64, bool) {
	im, ok := s.byName[name]
	if !ok {
		return 0, false
	}
	return im.Entry, true
}

// Images lists every image in address order.
func (s *SymbolTable) Images() []*Image {
	out := make([]*Image, 0, len(s.byAddr))
	for _, im := range s.byAddr {
		out = append(out, im)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry < out[j].Entry })
	return out
}
