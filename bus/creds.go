package bus

import "slices"

// CredMask selects credential fields. Bit positions follow sd-bus.
type CredMask uint64

const (
	CredPID CredMask = 1 << iota
	CredTID
	CredPPID
	CredUID
	CredEUID
	CredSUID
	CredFSUID
	CredGID
	CredEGID
	CredSGID
	CredFSGID
	CredSupplementaryGIDs
	CredComm
	CredTIDComm
	CredExe
	CredCmdline
	CredCGroup
	CredUnit
	CredSlice
	CredUserUnit
	CredUserSlice
	CredSession
	CredOwnerUID
	CredEffectiveCaps
	CredPermittedCaps
	CredInheritableCaps
	CredBoundingCaps
	CredSELinuxContext
	CredAuditSessionID
	CredAuditLoginUID
	CredTTY
	CredUniqueName
	CredWellKnownNames
	CredDescription

	CredAugment CredMask = 1 << 63
	CredAll     CredMask = CredDescription<<1 - 1
)

// Creds is a snapshot of the identity of a bus peer, usually the sender of
// an inbound call. Fields are only meaningful when their bit is set in Mask.
// The runtime fills the snapshot; this module passes values through as-is.
type Creds struct {
	Mask CredMask

	PID  uint32
	PPID uint32
	TID  uint32

	UID   uint32
	EUID  uint32
	SUID  uint32
	FSUID uint32

	GID               uint32
	EGID              uint32
	SGID              uint32
	FSGID             uint32
	SupplementaryGIDs []uint32

	Comm    string
	TIDComm string
	Exe     string
	Cmdline []string

	CGroup    string
	Unit      string
	Slice     string
	UserUnit  string
	UserSlice string
	Session   string
	OwnerUID  uint32

	// Capability sets, one bit per capability number.
	EffectiveCaps   uint64
	PermittedCaps   uint64
	InheritableCaps uint64
	BoundingCaps    uint64

	SELinuxContext string
	AuditSessionID uint32
	AuditLoginUID  uint32
	TTY            string

	UniqueName     string
	WellKnownNames []string
	Description    string
}

// Has reports whether every field selected by mask is present.
func (c *Creds) Has(mask CredMask) bool {
	return c != nil && c.Mask&mask == mask
}

// HasEffectiveCap reports whether capability is in the effective set.
// known is false when the set was not collected.
func (c *Creds) HasEffectiveCap(capability uint) (has, known bool) {
	return c.capBit(CredEffectiveCaps, c.EffectiveCaps, capability)
}

// HasPermittedCap reports whether capability is in the permitted set.
func (c *Creds) HasPermittedCap(capability uint) (has, known bool) {
	return c.capBit(CredPermittedCaps, c.PermittedCaps, capability)
}

// HasInheritableCap reports whether capability is in the inheritable set.
func (c *Creds) HasInheritableCap(capability uint) (has, known bool) {
	return c.capBit(CredInheritableCaps, c.InheritableCaps, capability)
}

// HasBoundingCap reports whether capability is in the bounding set.
func (c *Creds) HasBoundingCap(capability uint) (has, known bool) {
	return c.capBit(CredBoundingCaps, c.BoundingCaps, capability)
}

func (c *Creds) capBit(field CredMask, set uint64, capability uint) (bool, bool) {
	if !c.Has(field) || capability >= 64 {
		return false, false
	}
	return set&(1<<capability) != 0, true
}

// Clone returns a deep copy.
func (c *Creds) Clone() *Creds {
	if c == nil {
		return nil
	}
	out := *c
	out.SupplementaryGIDs = slices.Clone(c.SupplementaryGIDs)
	out.Cmdline = slices.Clone(c.Cmdline)
	out.WellKnownNames = slices.Clone(c.WellKnownNames)
	return &out
}
