package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/reqgrid/backend/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")

	errMissingDatabase = errors.New("users: database connection required")
)

// ServiceConfig describes the dependencies required for actor resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service turns session claims into collaborating actors and remembers their
// profile so presence shows a name even when later tokens omit it.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveActor returns the actor for the provided session claims, creating the
// identity mapping the first time a provider+subject pair is seen.
func (s *Service) ResolveActor(claims auth.SessionClaims) (collab.Actor, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return collab.Actor{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if actor, ok := cached.(collab.Actor); ok && !profileChanged(actor, claims) {
			return actor, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			ActorID:     subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return collab.Actor{}, fmt.Errorf("users: create identity: %w", err)
		}
	case err != nil:
		return collab.Actor{}, fmt.Errorf("users: load identity: %w", err)
	default:
		s.refreshProfile(&identity, claims)
	}

	actor := collab.Actor{
		ID:        identity.ActorID,
		Name:      displayName(identity),
		AvatarURL: identity.AvatarURL,
	}
	s.cache.Store(cacheKey, actor)
	return actor, nil
}

func (s *Service) refreshProfile(identity *Identity, claims auth.SessionClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
		identity.Email = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
		identity.DisplayName = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
		identity.AvatarURL = avatar
	}
	err := s.db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("identity profile refresh failed",
			zap.String("provider", identity.Provider),
			zap.String("subject", identity.Subject),
			zap.Error(err),
		)
	}
}

func profileChanged(actor collab.Actor, claims auth.SessionClaims) bool {
	if display := normalize(claims.UserDisplayName); display != "" && display != actor.Name {
		return true
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != actor.AvatarURL {
		return true
	}
	return false
}

func displayName(identity Identity) string {
	switch {
	case identity.DisplayName != "":
		return identity.DisplayName
	case identity.Email != "":
		return identity.Email
	default:
		return identity.ActorID
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
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
