package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/propagation"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store/storetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testNow = time.Date(2026, 5, 9, 8, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	notifications []fanout.Notification
	err           error
}

func (p *recordingPublisher) Publish(_ context.Context, kind propagation.Kind, payload any) error {
	if p.err != nil {
		return p.err
	}
	if kind != propagation.KindNotification {
		return errors.New("unexpected kind " + string(kind))
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var notification fanout.Notification
	if err := json.Unmarshal(encoded, &notification); err != nil {
		return err
	}
	p.notifications = append(p.notifications, notification)
	return nil
}

func newTestService(t *testing.T, publisher Publisher, logger *zap.Logger) (*Service, store.Store, *storetest.Clock) {
	t.Helper()
	clock := storetest.NewClock(testNow)
	st := storetest.NewSQLite(t, clock.Now)
	service, err := NewService(ServiceConfig{Store: st, Publisher: publisher, Clock: clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, st, clock
}

func TestCreateStoresOwnerReceivingNotifications(t *testing.T) {
	service, st, _ := newTestService(t, &recordingPublisher{}, nil)
	ctx := context.Background()

	profile, err := service.Create(ctx, "u1", " Ada ")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if profile.ID == "" || profile.Name != "Ada" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	details, err := st.Session().ProfileDetails().GetByProfileID(ctx, profile.ID)
	if err != nil {
		t.Fatalf("failed to load details: %v", err)
	}
	if len(details.Users) != 1 || details.Users[0].UserID != "u1" || details.Users[0].Role != store.ProfileRoleOwner || !details.Users[0].ReceivesNotifications {
		t.Fatalf("unexpected users %+v", details.Users)
	}

	if _, err := service.Create(ctx, "u1", ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := service.Create(ctx, " ", "Ada"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestAuthorizeAndAddUser(t *testing.T) {
	service, st, _ := newTestService(t, &recordingPublisher{}, nil)
	ctx := context.Background()
	profile, err := service.Create(ctx, "u1", "Family")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.Authorize(ctx, "u2", profile.ID); !errors.Is(err, ErrNotProfileUser) {
		t.Fatalf("expected ErrNotProfileUser, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := service.AddUser(ctx, profile.ID, "u2", false); err != nil {
			t.Fatalf("add user failed: %v", err)
		}
	}
	if err := service.Authorize(ctx, "u2", profile.ID); err != nil {
		t.Fatalf("expected u2 to be authorized, got %v", err)
	}
	details, err := st.Session().ProfileDetails().GetByProfileID(ctx, profile.ID)
	if err != nil || len(details.Users) != 2 {
		t.Fatalf("expected two users after repeated add, got %+v (%v)", details, err)
	}

	if err := service.SetReceivesNotifications(ctx, profile.ID, "u2", true); err != nil {
		t.Fatalf("set receives notifications failed: %v", err)
	}
	if err := service.SetReceivesNotifications(ctx, profile.ID, "u9", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unlisted user, got %v", err)
	}
	if err := service.Authorize(ctx, "u1", "missing"); !errors.Is(err, ErrNotProfileUser) {
		t.Fatalf("expected ErrNotProfileUser for a missing profile, got %v", err)
	}
}

func TestRenamePublishesProfileNotification(t *testing.T) {
	publisher := &recordingPublisher{}
	service, _, clock := newTestService(t, publisher, nil)
	ctx := context.Background()
	profile, err := service.Create(ctx, "u1", "Old")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	renamedAt := clock.Advance(time.Minute)
	renamed, err := service.Rename(ctx, profile.ID, "New")
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if renamed.Name != "New" || !renamed.UpdatedAt.Equal(renamedAt) {
		t.Fatalf("unexpected profile %+v", renamed)
	}
	if len(publisher.notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(publisher.notifications))
	}
	notification := publisher.notifications[0]
	if notification.Kind != fanout.KindUpdateProfile || notification.SubjectID != profile.ID || !notification.UpdatedAt.Equal(renamedAt) {
		t.Fatalf("unexpected notification %+v", notification)
	}

	if _, err := service.Rename(ctx, "missing", "Name"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenameLogsPublishFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	service, _, _ := newTestService(t, &recordingPublisher{err: errors.New("broker closed")}, zap.New(core))
	ctx := context.Background()
	profile, err := service.Create(ctx, "u1", "Old")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.Rename(ctx, profile.ID, "New"); err != nil {
		t.Fatalf("expected rename to succeed despite publish failure, got %v", err)
	}
	if logs.FilterMessage("profile notification enqueue failed").Len() != 1 {
		t.Fatalf("expected the publish failure to be logged")
	}
}
