package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical uids and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveUID returns the canonical uid for the session claims, creating the
// user and identity rows the first time a provider+subject pair is seen.
func (s *Service) ResolveUID(ctx context.Context, claims auth.SessionClaims) (int64, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return 0, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if uid, ok := cached.(int64); ok {
			return uid, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		lookupErr := transaction.
			Where("provider = ? AND subject = ?", provider, subject).
			Take(&identity).
			Error
		if lookupErr == nil {
			return transaction.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Updates(map[string]interface{}{"last_seen_at": s.now()}).
				Error
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}

		user := User{}
		if err := transaction.Create(&user).Error; err != nil {
			return err
		}
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UID:         user.UID,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		return transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error
	})
	if err != nil {
		return 0, err
	}
	if identity.UID <= 0 {
		return 0, ErrInvalidIdentity
	}

	s.cache.Store(cacheKey, identity.UID)
	return identity.UID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
