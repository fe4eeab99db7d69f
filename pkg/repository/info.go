package repository

import "fmt"

// Type names a version-control system.
type Type string

const (
	Git        Type = "git"
	Mercurial  Type = "mercurial"
	Subversion Type = "subversion"
	CVS        Type = "cvs"
	Bazaar     Type = "bazaar"
	Perforce   Type = "perforce"
	RCS        Type = "rcs"
	SCCS       Type = "sccs"
	BitKeeper  Type = "bitkeeper"
)

// SupportsNesting reports whether repositories of this type may contain
// other repositories that are worth scanning for.
func (t Type) SupportsNesting() bool {
	switch t {
	case Git, Mercurial, BitKeeper:
		return true
	}
	return false
}

// Override is a per-repository setting that falls back to a global default.
type Override int

const (
	Inherit Override = iota
	Enabled
	Disabled
)

// Resolve returns the effective value given the global default.
func (o Override) Resolve(global bool) bool {
	switch o {
	case Enabled:
		return true
	case Disabled:
		return false
	}
	return global
}

// OverrideOf converts an optional configuration flag.
func OverrideOf(b *bool) Override {
	switch {
	case b == nil:
		return Inherit
	case *b:
		return Enabled
	}
	return Disabled
}

func (o Override) String() string {
	switch o {
	case Inherit:
		return "inherit"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("override(%d)", int(o))
}

// Info describes a registered repository.
type Info struct {
	Root   string // absolute, cleaned
	Type   Type
	Nested bool // found inside another repository

	HandleRenamedFiles bool

	History         Override
	HistoryCache    Override
	AnnotationCache Override
}

func (i *Info) String() string {
	return fmt.Sprintf("%s repository at %s", i.Type, i.Root)
}
