package models

// EntityState is the tracked state of an entity inside a Session, and the
// original state captured on a SnapshotEntry.
type EntityState string

const (
	EntityStateUnchanged EntityState = "UNCHANGED"
	EntityStateAdded     EntityState = "ADDED"
	EntityStateModified  EntityState = "MODIFIED"
	EntityStateDeleted   EntityState = "DELETED"
	EntityStateDetached  EntityState = "DETACHED"
)

func (s EntityState) Valid() bool {
	switch s {
	case EntityStateUnchanged, EntityStateAdded, EntityStateModified, EntityStateDeleted, EntityStateDetached:
		return true
	}
	return false
}
