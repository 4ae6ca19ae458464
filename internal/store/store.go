package store

import "github.com/userdir/apiserver/types"

// Neighbor is a user returned by a proximity search together with its
// great-circle distance from the query point in meters.
type Neighbor struct {
	User     types.User
	Distance float64
}

// DeletePolicy controls what happens to edge references of a deleted user.
type DeletePolicy string

const (
	// LeaveDangling keeps the deleted id in other users' edge sets.
	LeaveDangling DeletePolicy = "leave-dangling"
	// Cascade removes the deleted id from every edge set.
	Cascade DeletePolicy = "cascade"
)

// ParseDeletePolicy maps a config value to a policy, defaulting to LeaveDangling.
func ParseDeletePolicy(raw string) DeletePolicy {
	if DeletePolicy(raw) == Cascade {
		return Cascade
	}
	return LeaveDangling
}
