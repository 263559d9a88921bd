package bus

import "strings"

// Flags is the bit-set of wire-level member attributes. Values follow the
// sd-bus vtable flag layout.
type Flags uint64

const (
	FlagDeprecated                Flags = 1 << 0
	FlagHidden                    Flags = 1 << 1
	FlagUnprivileged              Flags = 1 << 2
	FlagNoReply                   Flags = 1 << 3
	FlagPropertyConst             Flags = 1 << 4
	FlagPropertyEmitsChange       Flags = 1 << 5
	FlagPropertyEmitsInvalidation Flags = 1 << 6
	FlagPropertyExplicit          Flags = 1 << 7
	FlagSensitive                 Flags = 1 << 8
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagDeprecated, "deprecated"},
	{FlagHidden, "hidden"},
	{FlagUnprivileged, "unprivileged"},
	{FlagNoReply, "no-reply"},
	{FlagPropertyConst, "const"},
	{FlagPropertyEmitsChange, "emits-change"},
	{FlagPropertyEmitsInvalidation, "emits-invalidation"},
	{FlagPropertyExplicit, "explicit"},
	{FlagSensitive, "sensitive"},
}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// NameFlags control RequestName behaviour.
type NameFlags uint32

const (
	NameAllowReplacement NameFlags = 1 << 0
	NameReplaceExisting  NameFlags = 1 << 1
	NameDoNotQueue       NameFlags = 1 << 2
)

// Has reports whether all bits of f2 are set.
func (f NameFlags) Has(f2 NameFlags) bool {
	return f&f2 == f2
}
