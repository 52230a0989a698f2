package service

import (
	"fmt"
	"strings"

	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/storage"
)

// Store layout:
//
//	groups/{groupId}/meta
//	groups/{groupId}/members
//	groups/{groupId}/speeds/{identity}
//	groups/{groupId}/totalSpeed
//	users/{identity}/membership
const (
	groupsRoot = "groups"
	usersRoot  = "users"
)

func groupPath(groupID string) string {
	return storage.Join(groupsRoot, groupID)
}

func metaPath(groupID string) string {
	return storage.Join(groupsRoot, groupID, "meta")
}

func membersPath(groupID string) string {
	return storage.Join(groupsRoot, groupID, "members")
}

func speedPath(groupID string, id models.Identity) string {
	return storage.Join(groupsRoot, groupID, "speeds", string(id))
}

func totalSpeedPath(groupID string) string {
	return storage.Join(groupsRoot, groupID, "totalSpeed")
}

func membershipPath(id models.Identity) string {
	return storage.Join(usersRoot, string(id), "membership")
}

// validateKey rejects identities and group IDs that cannot be used as a
// single path segment.
func validateKey(kind, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidArgument, kind)
	}
	if strings.Contains(key, "/") || strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: %s %q is not a single path segment", ErrInvalidArgument, kind, key)
	}
	return nil
}
