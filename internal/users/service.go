package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRefreshInterval = 5 * time.Minute

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// RefreshInterval bounds how often an unchanged profile is rewritten.
	RefreshInterval time.Duration
}

// Service keeps user profiles in sync with the identities seen on connect.
type Service struct {
	db      *gorm.DB
	now     func() time.Time
	refresh time.Duration
	cache   sync.Map
}

type cachedProfile struct {
	profile  Profile
	storedAt time.Time
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}
	return &Service{
		db:      cfg.Database,
		now:     clock,
		refresh: refresh,
	}, nil
}

// Remember upserts the profile for the identity. Repeated connects with an
// unchanged identity inside the refresh interval skip the write.
func (s *Service) Remember(ctx context.Context, identity auth.Identity) (Profile, error) {
	userID := normalize(identity.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	now := s.now().UTC()
	profile := Profile{
		UserID:     userID,
		FullName:   normalize(identity.FullName),
		Role:       normalize(identity.Role),
		Email:      normalize(identity.Email),
		LastSeenAt: now,
	}

	if cached, ok := s.cache.Load(userID); ok {
		entry, ok := cached.(cachedProfile)
		if ok && sameProfile(entry.profile, profile) && now.Sub(entry.storedAt) < s.refresh {
			return entry.profile, nil
		}
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"full_name", "role", "email", "last_seen_at", "updated_at"}),
		}).
		Create(&profile).Error
	if err != nil {
		return Profile{}, err
	}

	s.cache.Store(userID, cachedProfile{profile: profile, storedAt: now})
	return profile, nil
}

func sameProfile(left, right Profile) bool {
	return left.FullName == right.FullName && left.Role == right.Role && left.Email == right.Email
}
