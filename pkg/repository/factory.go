package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type marker struct {
	name  string
	dir   bool
	typ   Type
	isAny bool // file or directory
}

// markers are checked in order; the first match decides the type
var markers = []marker{
	{name: ".git", typ: Git, isAny: true},
	{name: ".hg", typ: Mercurial, dir: true},
	{name: ".svn", typ: Subversion, dir: true},
	{name: ".bzr", typ: Bazaar, dir: true},
	{name: ".bk", typ: BitKeeper, dir: true},
	{name: filepath.Join("CVS", "Root"), typ: CVS},
	{name: ".p4config", typ: Perforce},
	{name: "SCCS", typ: SCCS, dir: true},
	{name: "RCS", typ: RCS, dir: true},
}

// Detect returns the type of the repository rooted at dir.
func Detect(dir string) (Type, bool) {
	for _, m := range markers {
		fi, err := os.Stat(filepath.Join(dir, m.name))
		if err != nil {
			continue
		}
		if m.isAny || fi.IsDir() == m.dir {
			return m.typ, true
		}
	}
	return "", false
}

// Constructor opens a backend for a detected repository.
type Constructor func(info *Info) (Repository, error)

// Factory turns directories into repositories through registered
// constructors.
type Factory struct {
	mu    sync.RWMutex
	ctors map[Type]Constructor
}

// NewFactory creates a factory without constructors.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[Type]Constructor)}
}

// Register installs the constructor for t.
func (f *Factory) Register(t Type, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[t] = c
}

// Supports reports whether a constructor for t is registered.
func (f *Factory) Supports(t Type) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ctors[t]
	return ok
}

// Open detects and opens the repository rooted at dir. configure, when not
// nil, adjusts the info before the backend sees it.
func (f *Factory) Open(dir string, nested bool, configure func(*Info)) (Repository, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	root = filepath.Clean(root)

	typ, ok := Detect(root)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
	}

	f.mu.RLock()
	ctor, ok := f.ctors[typ]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %s: %s", ErrNoBackend, typ, root)
	}

	info := &Info{Root: root, Type: typ, Nested: nested}
	if configure != nil {
		configure(info)
	}

	repo, err := ctor(info)
	if err != nil {
		return nil, Errorf(root, "open", err)
	}
	return repo, nil
}
