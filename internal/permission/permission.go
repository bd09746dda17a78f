package permission

import (
	"database/sql"
	"errors"

	"collabcore/pkg/logger"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

type Capability string

const (
	CapRead           Capability = "read"
	CapWrite          Capability = "write"
	CapDelete         Capability = "delete"
	CapShare          Capability = "share"
	CapInvite         Capability = "invite"
	CapManageRoles    Capability = "manage-roles"
	CapManageSettings Capability = "manage-settings"
)

// CapabilitySet is the full capability vector for one role.
type CapabilitySet struct {
	CanRead           bool `json:"can_read"`
	CanWrite          bool `json:"can_write"`
	CanDelete         bool `json:"can_delete"`
	CanShare          bool `json:"can_share"`
	CanInvite         bool `json:"can_invite"`
	CanManageRoles    bool `json:"can_manage_roles"`
	CanManageSettings bool `json:"can_manage_settings"`
}

// Capabilities maps a role to its capability set. Each role's set is a strict
// superset of the one below it: viewer < editor < admin < owner.
func Capabilities(role Role) CapabilitySet {
	switch role {
	case RoleOwner:
		return CapabilitySet{
			CanRead: true, CanWrite: true, CanDelete: true, CanShare: true,
			CanInvite: true, CanManageRoles: true, CanManageSettings: true,
		}
	case RoleAdmin:
		return CapabilitySet{
			CanRead: true, CanWrite: true, CanShare: true,
			CanInvite: true, CanManageRoles: true,
		}
	case RoleEditor:
		return CapabilitySet{CanRead: true, CanWrite: true}
	default: // viewer and anything unknown
		return CapabilitySet{CanRead: true}
	}
}

func (s CapabilitySet) Has(c Capability) bool {
	switch c {
	case CapRead:
		return s.CanRead
	case CapWrite:
		return s.CanWrite
	case CapDelete:
		return s.CanDelete
	case CapShare:
		return s.CanShare
	case CapInvite:
		return s.CanInvite
	case CapManageRoles:
		return s.CanManageRoles
	case CapManageSettings:
		return s.CanManageSettings
	default:
		return false
	}
}

// Normalize maps an arbitrary role string to a known role, defaulting to the
// most restrictive one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// RoleSource resolves the stored role for a (user, resource) pair. A missing
// row is reported as sql.ErrNoRows.
type RoleSource interface {
	RoleOf(userID, resourceID string) (string, error)
}

// Gate answers capability questions for the coordinator. It performs pure
// lookups and never mutates collaboration state.
type Gate struct {
	src RoleSource
}

func NewGate(src RoleSource) *Gate {
	return &Gate{src: src}
}

// ResolveRole returns the caller's role for the resource. When no role record
// exists the gate falls back to viewer rather than failing the request; a
// viewer can join and read, and writes are rejected downstream.
func (g *Gate) ResolveRole(userID, resourceID string) Role {
	role, err := g.src.RoleOf(userID, resourceID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Sugar.Warnf("Role lookup failed for user %s on %s, defaulting to viewer: %v", userID, resourceID, err)
		}
		return RoleViewer
	}
	return Normalize(role)
}

func (g *Gate) HasCapability(userID, resourceID string, c Capability) bool {
	return Capabilities(g.ResolveRole(userID, resourceID)).Has(c)
}

// CanJoinDocument is defined as read capability on the document's owning
// project; per-document roles only refine what a participant can do inside
// the session.
func (g *Gate) CanJoinDocument(userID, projectID string) bool {
	return g.HasCapability(userID, projectID, CapRead)
}
