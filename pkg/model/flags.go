package model

import "strings"

// ProcessFlags is a bit set of process attributes.
type ProcessFlags uint32

const (
	FlagPrivileged ProcessFlags = 1 << iota
	FlagCritical
	FlagForeground
	FlagBackground
	FlagSuspended
)

var flagNames = []struct {
	flag ProcessFlags
	name string
}{
	{FlagPrivileged, "privileged"},
	{FlagCritical, "critical"},
	{FlagForeground, "foreground"},
	{FlagBackground, "background"},
	{FlagSuspended, "suspended"},
}

// Has reports whether every bit of f is set.
func (fs ProcessFlags) Has(f ProcessFlags) bool { return fs&f == f }

func (fs ProcessFlags) String() string {
	var names []string
	for _, fn := range flagNames {
		if fs.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseProcessFlags converts names such as ["critical", "foreground"] into a flag set.
// Unknown names are returned in the second value.
func ParseProcessFlags(names []string) (ProcessFlags, []string) {
	var fs ProcessFlags
	var unknown []string
outer:
	for _, n := range names {
		for _, fn := range flagNames {
			if strings.EqualFold(n, fn.name) {
				fs |= fn.flag
				continue outer
			}
		}
		unknown = append(unknown, n)
	}
	return fs, unknown
}
