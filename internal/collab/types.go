package collab

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidObjectID indicates that an object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("collab: invalid object id")
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("collab: invalid workspace id")
	// ErrInvalidUID indicates that a user id is not positive.
	ErrInvalidUID = errors.New("collab: invalid uid")
	// ErrInvalidCollabType indicates an unknown collab type.
	ErrInvalidCollabType = errors.New("collab: invalid collab type")
	// ErrInvalidAccessLevel indicates an unknown access level.
	ErrInvalidAccessLevel = errors.New("collab: invalid access level")
)

// ValidateObjectID checks that raw is usable as an object id.
func ValidateObjectID(raw string) error {
	return validateIdentifier(raw, ErrInvalidObjectID)
}

// ValidateWorkspaceID checks that raw is usable as a workspace id.
func ValidateWorkspaceID(raw string) error {
	return validateIdentifier(raw, ErrInvalidWorkspaceID)
}

// ValidateUID checks that uid identifies a user.
func ValidateUID(uid int64) error {
	if uid <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidUID, uid)
	}
	return nil
}

func validateIdentifier(raw string, sentinel error) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", sentinel)
	}
	if raw != strings.TrimSpace(raw) {
		return fmt.Errorf("%w: surrounding whitespace", sentinel)
	}
	if len(raw) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}

// CollabType enumerates the kinds of collaborative objects.
type CollabType int

const (
	CollabTypeDocument CollabType = iota
	CollabTypeDatabase
	CollabTypeWorkspaceDatabase
	CollabTypeFolder
	CollabTypeDatabaseRow
	CollabTypeUserAwareness
)

var collabTypeNames = map[CollabType]string{
	CollabTypeDocument:          "document",
	CollabTypeDatabase:          "database",
	CollabTypeWorkspaceDatabase: "workspace_database",
	CollabTypeFolder:            "folder",
	CollabTypeDatabaseRow:       "database_row",
	CollabTypeUserAwareness:     "user_awareness",
}

// Valid reports whether the collab type is known.
func (t CollabType) Valid() bool {
	_, ok := collabTypeNames[t]
	return ok
}

func (t CollabType) String() string {
	if name, ok := collabTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("collab_type(%d)", int(t))
}

// ParseCollabType maps a name such as "document" to its CollabType.
func ParseCollabType(raw string) (CollabType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return CollabTypeDocument, nil
	}
	for collabType, name := range collabTypeNames {
		if name == normalized {
			return collabType, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCollabType, raw)
}

// AccessLevel is the permission tier a user holds over a collab object.
type AccessLevel int

const (
	AccessLevelReadOnly       AccessLevel = 10
	AccessLevelReadAndComment AccessLevel = 20
	AccessLevelReadAndWrite   AccessLevel = 30
	AccessLevelFullAccess     AccessLevel = 50
)

// Valid reports whether the access level is known.
func (level AccessLevel) Valid() bool {
	switch level {
	case AccessLevelReadOnly, AccessLevelReadAndComment, AccessLevelReadAndWrite, AccessLevelFullAccess:
		return true
	default:
		return false
	}
}

// CanRead reports whether the level grants read access.
func (level AccessLevel) CanRead() bool {
	return level.Valid()
}

// CanWrite reports whether the level grants write access.
func (level AccessLevel) CanWrite() bool {
	return level.Valid() && level >= AccessLevelReadAndWrite
}

// CanDelete reports whether the level grants delete access.
func (level AccessLevel) CanDelete() bool {
	return level == AccessLevelFullAccess
}

func (level AccessLevel) String() string {
	switch level {
	case AccessLevelReadOnly:
		return "read_only"
	case AccessLevelReadAndComment:
		return "read_and_comment"
	case AccessLevelReadAndWrite:
		return "read_and_write"
	case AccessLevelFullAccess:
		return "full_access"
	default:
		return fmt.Sprintf("access_level(%d)", int(level))
	}
}

// WorkspaceRole is the membership tier a user holds in a workspace.
type WorkspaceRole string

const (
	WorkspaceRoleOwner  WorkspaceRole = "owner"
	WorkspaceRoleMember WorkspaceRole = "member"
	WorkspaceRoleGuest  WorkspaceRole = "guest"
)

// ParseWorkspaceRole validates a role name.
func ParseWorkspaceRole(raw string) (WorkspaceRole, error) {
	switch role := WorkspaceRole(strings.ToLower(strings.TrimSpace(raw))); role {
	case WorkspaceRoleOwner, WorkspaceRoleMember, WorkspaceRoleGuest:
		return role, nil
	default:
		return "", fmt.Errorf("collab: invalid workspace role %q", raw)
	}
}

// CanWriteWorkspace reports whether the role may create objects in the workspace.
func (role WorkspaceRole) CanWriteWorkspace() bool {
	return role == WorkspaceRoleOwner || role == WorkspaceRoleMember
}
