package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidDevice indicates a device registration without a token.
	ErrInvalidDevice = errors.New("users: device token required")
)

// ServiceConfig describes the dependencies required for user and device management.
type ServiceConfig struct {
	Store store.Store
	// Owners narrows which profile users receive notifications. Nil means all.
	Owners fanout.OwnerFilter
	Clock  func() time.Time
}

// Service manages users and their push device registrations.
type Service struct {
	store  store.Store
	owners fanout.OwnerFilter
	now    func() time.Time
	known  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: cfg.Store, owners: cfg.Owners, now: clock}, nil
}

// EnsureUser returns the user id carried by claims, creating the user record
// on first sight. Known ids are cached for the life of the process.
func (s *Service) EnsureUser(ctx context.Context, claims auth.Claims) (string, error) {
	userID := normalize(claims.UserID())
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	if _, ok := s.known.Load(userID); ok {
		return userID, nil
	}
	users := s.store.Session().Users()
	_, err := users.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		_, err = users.Insert(ctx, store.User{
			ID:        userID,
			Name:      normalize(claims.DisplayName),
			CreatedAt: store.Timestamp(s.now()),
		})
		if errors.Is(err, store.ErrConflict) {
			err = nil
		}
	}
	if err != nil {
		return "", err
	}
	s.known.Store(userID, struct{}{})
	return userID, nil
}

// CreateUser stores a new user. An empty id is assigned by the store.
func (s *Service) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	user.Name = normalize(user.Name)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = store.Timestamp(s.now())
	}
	created, err := s.store.Session().Users().Insert(ctx, user)
	if err != nil {
		return store.User{}, err
	}
	s.known.Store(created.ID, struct{}{})
	return created, nil
}

// RegisterDevice adds a push token to the user. Registering a known token is a no-op.
func (s *Service) RegisterDevice(ctx context.Context, userID, platform, token string) error {
	token = normalize(token)
	if token == "" {
		return ErrInvalidDevice
	}
	return s.store.Session().Users().AddDevice(ctx, userID, store.Device{Platform: normalize(platform), Token: token})
}

// RemoveDevice deletes the token from the user. Absent tokens are ignored.
func (s *Service) RemoveDevice(ctx context.Context, userID, token string) error {
	return s.store.Session().Users().RemoveDevice(ctx, userID, token)
}

// TokensForProfiles maps the device tokens of the profiles' users, narrowed
// by the configured owner filter, to the owning user id.
func (s *Service) TokensForProfiles(ctx context.Context, profileIDs []string) (map[string]string, error) {
	return fanout.TokensFor(ctx, s.store.Session(), profileIDs, s.owners)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
