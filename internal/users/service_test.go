package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/push"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/store/storetest"
	"github.com/golang-jwt/jwt/v5"
)

var _ push.TokenRegistry = (*Service)(nil)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	clock := func() time.Time { return time.Unix(1, 0) }
	st := storetest.NewSQLite(t, clock)
	service, err := NewService(ServiceConfig{Store: st, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, st
}

func claimsFor(subject, name string) auth.Claims {
	return auth.Claims{DisplayName: name, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
}

func TestEnsureUserCreatesOnce(t *testing.T) {
	service, st := newTestService(t)
	ctx := context.Background()

	userID, err := service.EnsureUser(ctx, claimsFor(" 12345 ", "Example User"))
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected trimmed user id, got %q", userID)
	}
	user, err := st.Session().Users().Get(ctx, "12345")
	if err != nil || user.Name != "Example User" {
		t.Fatalf("expected stored user, got %+v (%v)", user, err)
	}

	// a second service shares the store but not the cache, so it must find the existing row.
	other, err := NewService(ServiceConfig{Store: st})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	userID, err = other.EnsureUser(ctx, claimsFor("12345", "Renamed"))
	if err != nil || userID != "12345" {
		t.Fatalf("expected stable user id, got %q (%v)", userID, err)
	}

	if _, err := service.EnsureUser(ctx, claimsFor(" ", "")); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDeviceRegistrationLifecycle(t *testing.T) {
	service, st := newTestService(t)
	ctx := context.Background()
	user, err := service.CreateUser(ctx, store.User{ID: "u1", Name: "Ada"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := service.RegisterDevice(ctx, user.ID, "ios", "tok-1"); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	if err := service.RegisterDevice(ctx, user.ID, "android", "tok-2"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := service.RegisterDevice(ctx, user.ID, "ios", " "); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	if err := service.RegisterDevice(ctx, "missing", "ios", "tok-3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown user, got %v", err)
	}

	stored, err := st.Session().Users().Get(ctx, "u1")
	if err != nil || len(stored.Devices) != 2 {
		t.Fatalf("expected two devices, got %+v (%v)", stored, err)
	}

	if err := service.RemoveDevice(ctx, "u1", "tok-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := service.RemoveDevice(ctx, "u1", "tok-1"); err != nil {
		t.Fatalf("expected removing an absent token to succeed, got %v", err)
	}
	stored, err = st.Session().Users().Get(ctx, "u1")
	if err != nil || len(stored.Devices) != 1 || stored.Devices[0].Token != "tok-2" {
		t.Fatalf("expected only tok-2 to remain, got %+v (%v)", stored, err)
	}
}

func TestTokensForProfiles(t *testing.T) {
	service, st := newTestService(t)
	ctx := context.Background()
	for userID, token := range map[string]string{"u1": "tok-1", "u2": "tok-2"} {
		if _, err := service.CreateUser(ctx, store.User{ID: userID, Devices: []store.Device{{Platform: "ios", Token: token}}}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := st.Session().ProfileDetails().Insert(ctx, store.ProfileDetails{
		ProfileID: "p1",
		Users: []store.ProfileUser{
			{UserID: "u1", Role: store.ProfileRoleOwner, ReceivesNotifications: true},
			{UserID: "u2", Role: store.ProfileRoleMember, ReceivesNotifications: false},
		},
	}); err != nil {
		t.Fatalf("failed to insert details: %v", err)
	}

	tokens, err := service.TokensForProfiles(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("tokens failed: %v", err)
	}
	if len(tokens) != 2 || tokens["tok-1"] != "u1" || tokens["tok-2"] != "u2" {
		t.Fatalf("expected every owner's tokens, got %v", tokens)
	}

	optedIn, err := NewService(ServiceConfig{Store: st, Owners: fanout.OptedIn})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	tokens, err = optedIn.TokensForProfiles(ctx, []string{"p1"})
	if err != nil {
		t.Fatalf("tokens failed: %v", err)
	}
	if len(tokens) != 1 || tokens["tok-1"] != "u1" {
		t.Fatalf("expected muted users to be skipped, got %v", tokens)
	}
}
