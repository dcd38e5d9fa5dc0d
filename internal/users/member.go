package users

import (
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Roles understood by the dashboard.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleViewer  = "viewer"
)

// Member is a user's membership in one tenant.
type Member struct {
	TenantID    string                      `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	UserID      string                      `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Email       string                      `gorm:"column:user_email;size:320"`
	DisplayName string                      `gorm:"column:user_display_name;size:320"`
	Roles       datatypes.JSONSlice[string] `gorm:"column:roles"`
	LastSeenAt  time.Time                   `gorm:"column:last_seen_at"`
	CreatedAt   time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing tenant memberships.
func (Member) TableName() string {
	return "tenant_members"
}

// HasAnyRole reports whether the member holds one of roles.
func (m Member) HasAnyRole(roles ...string) bool {
	for _, role := range m.Roles {
		if slices.Contains(roles, role) {
			return true
		}
	}
	return false
}

// normalizeRoles trims, lower-cases and de-duplicates roles, keeping order.
func normalizeRoles(raw []string) []string {
	roles := make([]string, 0, len(raw))
	for _, role := range raw {
		value := strings.ToLower(normalize(role))
		if value != "" && !slices.Contains(roles, value) {
			roles = append(roles, value)
		}
	}
	return roles
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
