package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/propagation"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInvalidName indicates an empty profile name.
	ErrInvalidName = errors.New("profiles: name is required")
	// ErrInvalidIdentifier indicates a missing profile or user id.
	ErrInvalidIdentifier = errors.New("profiles: identifier is required")
	// ErrNotProfileUser is returned when a user acts for a profile it is not listed on.
	ErrNotProfileUser = errors.New("profiles: user does not belong to profile")
)

// Publisher hands messages to the propagation channel.
type Publisher interface {
	Publish(ctx context.Context, kind propagation.Kind, payload any) error
}

// ServiceConfig describes the dependencies of the profile service.
type ServiceConfig struct {
	Store     store.Store
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service manages profiles and the users that act for them.
type Service struct {
	store     store.Store
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("profiles: store required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("profiles: publisher required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, publisher: cfg.Publisher, clock: clock, logger: logger}, nil
}

// Create stores a profile owned by userID. The owner receives notifications.
func (s *Service) Create(ctx context.Context, userID, name string) (store.Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return store.Profile{}, ErrInvalidIdentifier
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Profile{}, ErrInvalidName
	}
	now := store.Timestamp(s.clock())
	return store.InTransaction(ctx, s.store, func(ctx context.Context, session store.Session) (store.Profile, error) {
		profile, err := session.Profiles().Insert(ctx, store.Profile{Name: name, CreatedAt: now, UpdatedAt: now})
		if err != nil {
			return store.Profile{}, fmt.Errorf("profiles: insert profile: %w", err)
		}
		_, err = session.ProfileDetails().Insert(ctx, store.ProfileDetails{
			ProfileID: profile.ID,
			Users:     []store.ProfileUser{{UserID: userID, Role: store.ProfileRoleOwner, ReceivesNotifications: true}},
		})
		if err != nil {
			return store.Profile{}, fmt.Errorf("profiles: insert details: %w", err)
		}
		return profile, nil
	})
}

func (s *Service) Get(ctx context.Context, profileID string) (store.Profile, error) {
	return s.store.Session().Profiles().Get(ctx, profileID)
}

// Authorize fails with ErrNotProfileUser unless userID is listed on the profile.
func (s *Service) Authorize(ctx context.Context, userID, profileID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(profileID) == "" {
		return ErrInvalidIdentifier
	}
	details, err := s.store.Session().ProfileDetails().GetByProfileID(ctx, profileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: profile %s", ErrNotProfileUser, profileID)
		}
		return err
	}
	for _, user := range details.Users {
		if user.UserID == userID {
			return nil
		}
	}
	return fmt.Errorf("%w: profile %s", ErrNotProfileUser, profileID)
}

// AddUser lists userID on the profile. Adding a listed user is a no-op.
func (s *Service) AddUser(ctx context.Context, profileID, userID string, receivesNotifications bool) error {
	if strings.TrimSpace(profileID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidIdentifier
	}
	return s.store.Session().ProfileDetails().AddUser(ctx, profileID, store.ProfileUser{
		UserID:                userID,
		Role:                  store.ProfileRoleMember,
		ReceivesNotifications: receivesNotifications,
	})
}

func (s *Service) SetReceivesNotifications(ctx context.Context, profileID, userID string, enabled bool) error {
	return s.store.Session().ProfileDetails().SetReceivesNotifications(ctx, profileID, userID, enabled)
}

// Rename changes the profile name and notifies the profile's own users.
func (s *Service) Rename(ctx context.Context, profileID, name string) (store.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Profile{}, ErrInvalidName
	}
	profile, err := s.store.Session().Profiles().Rename(ctx, profileID, name, store.Timestamp(s.clock()))
	if err != nil {
		return store.Profile{}, err
	}
	notification := fanout.Notification{Kind: fanout.KindUpdateProfile, SubjectID: profile.ID, UpdatedAt: profile.UpdatedAt}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), propagation.KindNotification, notification); err != nil {
		s.logger.Error("profile notification enqueue failed",
			zap.String("profile_id", profile.ID),
			zap.Error(err),
		)
	}
	return profile, nil
}
