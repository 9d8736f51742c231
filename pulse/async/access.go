package async

import (
	"context"
	"database/sql"

	"github.com/teranos/segpulse/errors"
)

// Role is a user's standing in a project, ordered by privilege
type Role int

const (
	RoleNone    Role = iota // no relationship
	RolePending             // invited, not yet accepted
	RoleViewer
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RolePending:
		return "pending"
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// CanView reports whether the role may observe project jobs and stats.
// Unaccepted invites see nothing.
func (r Role) CanView() bool { return r >= RoleViewer }

// CanModify reports whether the role may enqueue or cancel project jobs
func (r Role) CanModify() bool { return r >= RoleEditor }

// AccessChecker resolves a user's role in a project
type AccessChecker interface {
	RoleFor(ctx context.Context, userID, projectID string) (Role, error)
}

// MemberAccess reads roles from the projects and project_members tables
type MemberAccess struct {
	db *sql.DB
}

// NewMemberAccess creates an AccessChecker over the platform's membership tables
func NewMemberAccess(db *sql.DB) *MemberAccess {
	return &MemberAccess{db: db}
}

// RoleFor implements AccessChecker
func (a *MemberAccess) RoleFor(ctx context.Context, userID, projectID string) (Role, error) {
	if userID == "" || projectID == "" {
		return RoleNone, nil
	}

	query := `
		SELECT p.owner_id, m.role, m.accepted
		FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id AND m.user_id = ?
		WHERE p.id = ?
	`

	var ownerID string
	var role sql.NullString
	var accepted sql.NullBool
	err := a.db.QueryRowContext(ctx, query, userID, projectID).Scan(&ownerID, &role, &accepted)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, errors.Internal(err, "failed to resolve project role")
	}

	switch {
	case ownerID == userID:
		return RoleOwner, nil
	case !role.Valid:
		return RoleNone, nil
	case !accepted.Bool:
		return RolePending, nil
	case role.String == "editor":
		return RoleEditor, nil
	default:
		return RoleViewer, nil
	}
}

// StaticAccess is an in-memory AccessChecker keyed by project then user
type StaticAccess map[string]map[string]Role

// RoleFor implements AccessChecker
func (s StaticAccess) RoleFor(_ context.Context, userID, projectID string) (Role, error) {
	return s[projectID][userID], nil
}
