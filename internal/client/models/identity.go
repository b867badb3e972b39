// Package models defines the records the sync client keeps in its local
// store: business entities, queued mutations and the sync journal.
package models

import (
	"github.com/google/uuid"
)

// Identity is the three-part key every mutable record carries.
//
// LocalID is assigned by the local store. Tag is generated when the record is
// created on this device and never changes. RemoteID is assigned by the
// server once it accepts the record and is immutable afterwards.
type Identity struct {
	LocalID  int64
	Tag      string
	RemoteID string
}

// NewIdentity returns an identity for a record created on this device.
func NewIdentity() Identity {
	return Identity{Tag: uuid.NewString()}
}

// HasRemote reports whether the server has assigned a remote key.
func (i Identity) HasRemote() bool {
	return i.RemoteID != ""
}

// Remote returns the remote key and whether it is set.
func (i Identity) Remote() (string, bool) {
	return i.RemoteID, i.RemoteID != ""
}

// IsPersisted reports whether the local store has assigned a local key.
func (i Identity) IsPersisted() bool {
	return i.LocalID > 0
}

// CanAssign reports whether remoteID may be attached to this identity: either
// no key is set yet or the same key is being confirmed again.
func (i Identity) CanAssign(remoteID string) bool {
	return remoteID != "" && (i.RemoteID == "" || i.RemoteID == remoteID)
}
