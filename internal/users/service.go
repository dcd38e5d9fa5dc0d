package users

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sigelo/sigelo/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrNoMembership indicates the user belongs to no tenant.
	ErrNoMembership = errors.New("users: no tenant membership")
)

// ServiceConfig describes the dependencies required for membership resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims into tenant memberships.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveMember returns the membership the session acts under. Claims naming
// a tenant register or refresh that membership; claims without one fall back
// to the membership the user was last seen with.
func (s *Service) ResolveMember(ctx context.Context, claims auth.SessionClaims) (Member, error) {
	userID := sessionUserID(claims)
	if userID == "" {
		return Member{}, ErrInvalidIdentity
	}

	tenantID := normalize(claims.TenantID)
	if tenantID == "" {
		return s.lastSeenMember(ctx, userID)
	}

	cacheKey := tenantID + "|" + userID
	roles := normalizeRoles(claims.UserRoles)
	if cached, ok := s.cache.Load(cacheKey); ok {
		if member, ok := cached.(Member); ok && (len(roles) == 0 || slices.Equal([]string(member.Roles), roles)) {
			return member, nil
		}
	}

	now := s.now().UTC()
	member := Member{
		TenantID:    tenantID,
		UserID:      userID,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		Roles:       roles,
		LastSeenAt:  now,
	}
	updateColumns := []string{"user_email", "user_display_name", "last_seen_at", "updated_at"}
	if len(roles) > 0 {
		updateColumns = append(updateColumns, "roles")
	} else {
		member.Roles = []string{RoleViewer}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(&member).Error
	if err != nil {
		return Member{}, err
	}

	var stored Member
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND user_id = ?", tenantID, userID).Take(&stored).Error; err != nil {
		return Member{}, err
	}
	s.cache.Store(cacheKey, stored)
	return stored, nil
}

func (s *Service) lastSeenMember(ctx context.Context, userID string) (Member, error) {
	var member Member
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		First(&member).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, ErrNoMembership
	}
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

// sessionUserID returns the session user id verbatim, or the JWT subject
// when the user id claim is absent.
func sessionUserID(claims auth.SessionClaims) string {
	if userID := normalize(claims.UserID); userID != "" {
		return userID
	}
	return normalize(claims.Subject)
}
