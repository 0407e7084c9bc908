// Package communities creates communities with their main group and keeps
// the profile/community mirror pair in step.
package communities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/denorm"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/propagation"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
)

const mainGroupName = "Everyone"

var (
	ErrInvalidName       = errors.New("communities: name is required")
	ErrInvalidIdentifier = errors.New("communities: identifier is required")
	// ErrPersonalMembers rejects personal communities without exactly two profiles.
	ErrPersonalMembers = errors.New("communities: personal community needs exactly two profiles")
	// ErrNotGroupMember is returned when the actor does not belong to a group it targets.
	ErrNotGroupMember = errors.New("communities: actor is not a group member")

	errMissingStore     = errors.New("store is required")
	errMissingPublisher = errors.New("publisher is required")
	noOpLogger          = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "communities.service.new"
	opCreate       = "communities.create"
	opGroupMembers = "communities.group_members"
	opList         = "communities.list"
	opPublish      = "communities.publish"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Publisher hands messages to the propagation channel.
type Publisher interface {
	Publish(ctx context.Context, kind propagation.Kind, payload any) error
}

type ServiceConfig struct {
	Store     store.Store
	Publisher Publisher
	IDs       store.IDProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Service struct {
	store     store.Store
	publisher Publisher
	ids       store.IDProvider
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Publisher == nil {
		return nil, newServiceError(opServiceNew, "missing_publisher", errMissingPublisher)
	}
	ids := cfg.IDs
	if ids == nil {
		ids = store.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, publisher: cfg.Publisher, ids: ids, clock: clock, logger: logger}, nil
}

// NewCommunity describes a community to create. The owner is always a member.
type NewCommunity struct {
	Name       string
	Type       store.CommunityType
	ProfileIDs []string
}

// Created is a committed community with its main group and forward rows.
type Created struct {
	Community store.Community
	MainGroup store.Group
	Joins     []store.ProfileCommunity
}

// Create writes the community, its main group and every membership pair in
// one transaction, then announces the community to its members.
func (s *Service) Create(ctx context.Context, ownerID string, input NewCommunity) (Created, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Created{}, newServiceError(opCreate, "missing_owner", ErrInvalidIdentifier)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Created{}, newServiceError(opCreate, "missing_name", ErrInvalidName)
	}
	communityType := input.Type
	if communityType == "" {
		communityType = store.CommunityTypeCommunity
	}
	profileIDs := withOwner(ownerID, input.ProfileIDs)
	if communityType == store.CommunityTypePersonal && len(profileIDs) != 2 {
		return Created{}, newServiceError(opCreate, "invalid_members", ErrPersonalMembers)
	}

	communityID, err := s.ids.NewID()
	if err != nil {
		return Created{}, s.fail(opCreate, "id_failed", err)
	}
	groupID, err := s.ids.NewID()
	if err != nil {
		return Created{}, s.fail(opCreate, "id_failed", err)
	}
	now := store.Timestamp(s.clock())
	members := make([]store.GroupMember, 0, len(profileIDs))
	for _, profileID := range profileIDs {
		role := store.ProfileRoleMember
		if profileID == ownerID {
			role = store.ProfileRoleOwner
		}
		members = append(members, store.GroupMember{ProfileID: profileID, Role: role})
	}

	created, err := store.InTransaction(ctx, s.store, func(ctx context.Context, session store.Session) (Created, error) {
		community, err := session.Communities().Insert(ctx, store.Community{
			ID:          communityID,
			Name:        name,
			Type:        communityType,
			OwnerID:     ownerID,
			MainGroupID: groupID,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return Created{}, err
		}
		group, err := session.Groups().Insert(ctx, store.Group{
			ID:          groupID,
			CommunityID: communityID,
			Name:        mainGroupName,
			Members:     members,
		})
		if err != nil {
			return Created{}, err
		}
		joins, err := denorm.JoinCommunity(ctx, session, community, profileIDs)
		if err != nil {
			return Created{}, err
		}
		return Created{Community: community, MainGroup: group, Joins: joins}, nil
	})
	if err != nil {
		return Created{}, s.fail(opCreate, "transaction_failed", err, zap.String("owner_id", ownerID))
	}

	notification := fanout.Notification{Kind: fanout.KindCreateCommunity, SubjectID: communityID, ActorID: ownerID}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), propagation.KindNotification, notification); err != nil {
		s.logError(opPublish, "enqueue_failed", err, zap.String("community_id", communityID))
	}
	return created, nil
}

// GroupMembers expands groupIDs into their member profiles. The actor must
// belong to every group. The result is deduplicated and keeps first-seen order.
func (s *Service) GroupMembers(ctx context.Context, actorID string, groupIDs []string) ([]string, error) {
	session := s.store.Session()
	seen := make(map[string]struct{})
	var result []string
	for _, groupID := range groupIDs {
		group, err := session.Groups().Get(ctx, groupID)
		if err != nil {
			return nil, s.fail(opGroupMembers, "load_group_failed", err, zap.String("group_id", groupID))
		}
		if !group.HasMember(actorID) {
			return nil, newServiceError(opGroupMembers, "not_member", fmt.Errorf("%w: group %s", ErrNotGroupMember, groupID))
		}
		for _, member := range group.Members {
			if _, ok := seen[member.ProfileID]; ok {
				continue
			}
			seen[member.ProfileID] = struct{}{}
			result = append(result, member.ProfileID)
		}
	}
	return result, nil
}

// ListForProfile returns the profile's communities, most recently updated first.
func (s *Service) ListForProfile(ctx context.Context, profileID string) ([]store.ProfileCommunity, error) {
	if strings.TrimSpace(profileID) == "" {
		return nil, newServiceError(opList, "missing_profile", ErrInvalidIdentifier)
	}
	rows, err := s.store.Session().ProfileCommunities().ListByProfile(ctx, profileID)
	if err != nil {
		return nil, s.fail(opList, "query_failed", err, zap.String("profile_id", profileID))
	}
	return rows, nil
}

func withOwner(ownerID string, profileIDs []string) []string {
	result := []string{ownerID}
	seen := map[string]struct{}{ownerID: {}}
	for _, profileID := range profileIDs {
		profileID = strings.TrimSpace(profileID)
		if profileID == "" {
			continue
		}
		if _, ok := seen[profileID]; ok {
			continue
		}
		seen[profileID] = struct{}{}
		result = append(result, profileID)
	}
	return result
}

func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if !errors.Is(err, store.ErrNotFound) {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("communities service error", attrs...)
}
