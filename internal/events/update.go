package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/propagation"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UpdateType says what kind of change produced an event.updated message.
type UpdateType string

const (
	UpdateCreate  UpdateType = "create"
	UpdateShare   UpdateType = "share"
	UpdateEdit    UpdateType = "update"
	UpdateDetails UpdateType = "details"
	UpdateConfirm UpdateType = "confirm"
	UpdateDecline UpdateType = "decline"
	UpdatePhotos  UpdateType = "photos"
)

// UpdateTypes lists every update type in a stable order.
func UpdateTypes() []UpdateType {
	return []UpdateType{UpdateCreate, UpdateShare, UpdateEdit, UpdateDetails, UpdateConfirm, UpdateDecline, UpdatePhotos}
}

// UpdatePayload is the body of an event.updated message: the canonical
// event as committed, plus who did what.
type UpdatePayload struct {
	Event   store.Event `json:"event"`
	Type    UpdateType  `json:"type"`
	ActorID string      `json:"actorId,omitempty"`
}

// Notification builds the notification announcing the update.
func (p UpdatePayload) Notification() fanout.Notification {
	n := fanout.Notification{SubjectID: p.Event.ID, UpdatedAt: p.Event.UpdatedAt}
	switch p.Type {
	case UpdateConfirm:
		n.Kind = fanout.KindConfirmEvent
		n.ActorID = p.ActorID
	case UpdateDecline:
		n.Kind = fanout.KindDeclineEvent
		n.ActorID = p.ActorID
	case UpdatePhotos:
		n.Kind = fanout.KindUpdatePhotos
		n.ActorID = p.ActorID
	case UpdateDetails:
		n.Kind = fanout.KindUpdateDetailsEvent
	default:
		n.Kind = fanout.KindUpdateEssentialsEvent
	}
	return n
}

// Policy decides per update type whether a notification is sent. Types
// missing from the map notify.
type Policy map[UpdateType]bool

// DefaultPolicy notifies for every update type.
func DefaultPolicy() Policy {
	policy := make(Policy, len(UpdateTypes()))
	for _, updateType := range UpdateTypes() {
		policy[updateType] = true
	}
	return policy
}

func (p Policy) notifies(updateType UpdateType) bool {
	enabled, ok := p[updateType]
	return !ok || enabled
}

// Notifier dispatches a notification to its recipients.
type Notifier interface {
	Dispatch(ctx context.Context, n fanout.Notification) error
}

type UpdateHandlerConfig struct {
	Store    store.Store
	Notifier Notifier
	Policy   Policy
	Logger   *zap.Logger
}

// UpdateHandler consumes event.updated messages. It brings every cached copy
// of the event up to the delivered version and, on first delivery, notifies
// the event's profiles. The two run independently.
type UpdateHandler struct {
	store    store.Store
	notifier Notifier
	policy   Policy
	logger   *zap.Logger
}

func NewUpdateHandler(cfg UpdateHandlerConfig) (*UpdateHandler, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opHandleUpdate, "missing_store", errMissingStore)
	}
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &UpdateHandler{store: cfg.Store, notifier: cfg.Notifier, policy: policy, logger: logger}, nil
}

// Handle is the propagation handler. Only a failed repair is returned, so a
// retry re-runs the repair without notifying twice.
func (h *UpdateHandler) Handle(ctx context.Context, msg propagation.Message) error {
	var payload UpdatePayload
	if err := msg.Decode(&payload); err != nil {
		return newServiceError(opHandleUpdate, "decode_failed", err)
	}
	if payload.Event.ID == "" {
		return newServiceError(opHandleUpdate, "missing_event", ErrInvalidIdentifier)
	}

	var group errgroup.Group
	group.Go(func() error {
		return h.Repair(ctx, payload.Event)
	})
	if msg.RetryCount == 0 && h.notifier != nil && h.policy.notifies(payload.Type) {
		group.Go(func() error {
			notification := payload.Notification()
			if err := h.notifier.Dispatch(ctx, notification); err != nil {
				h.logger.Warn("event notification failed",
					zap.String("event_id", payload.Event.ID),
					zap.String("kind", string(notification.Kind)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return group.Wait()
}

// Repair applies the event's version to the forward join of every profile in
// its reverse mirror. Rows already at a newer version are left untouched.
func (h *UpdateHandler) Repair(ctx context.Context, event store.Event) error {
	session := h.store.Session()
	profileIDs, err := session.EventProfiles().ProfileIDs(ctx, event.ID)
	if err != nil {
		return newServiceError(opHandleUpdate, "list_profiles_failed", err)
	}
	if len(profileIDs) == 0 {
		return nil
	}
	updated, err := session.ProfileEvents().ApplyEventVersion(ctx, profileIDs, event.Version())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return newServiceError(opHandleUpdate, "apply_version_failed", fmt.Errorf("event %s: %w", event.ID, err))
	}
	h.logger.Debug("event copies repaired",
		zap.String("event_id", event.ID),
		zap.Int("profiles", len(profileIDs)),
		zap.Int64("updated", updated),
	)
	return nil
}
