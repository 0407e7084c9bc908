package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/fanout"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	integrationSecret = "integration-secret"
	jsonContentType   = "application/json"
)

type integration struct {
	t       *testing.T
	handler http.Handler
	issuer  *auth.Issuer
	app     *application
	logs    *observer.ObservedLogs
}

func newIntegration(t *testing.T) *integration {
	t.Helper()
	gin.SetMode(gin.TestMode)

	configViper := config.NewViper()
	configViper.Set("auth.signing_secret", integrationSecret)
	configViper.Set("database.path", filepath.Join(t.TempDir(), "tandem.db"))
	configViper.Set("propagation.retry_min", 10*time.Millisecond)
	configViper.Set("propagation.retry_max", 50*time.Millisecond)
	appConfig, err := config.Load(configViper)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	ctx, cancel := context.WithCancel(context.Background())
	app, err := buildApp(ctx, appConfig, logger)
	if err != nil {
		cancel()
		t.Fatalf("failed to build app: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = app.propagator.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		app.close(logger)
	})

	validator, err := auth.NewValidator(auth.ValidatorConfig{SigningSecret: []byte(integrationSecret), Issuer: appConfig.Auth.Issuer})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewIssuer(auth.IssuerConfig{SigningSecret: []byte(integrationSecret), Issuer: appConfig.Auth.Issuer})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:   validator,
		Events:      app.events,
		Profiles:    app.profiles,
		Communities: app.communities,
		Users:       app.users,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &integration{t: t, handler: handler, issuer: issuer, app: app, logs: logs}
}

func (it *integration) request(method, path, userID, profileID string, body any, expected int) map[string]any {
	it.t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		it.t.Fatalf("failed to encode body: %v", err)
	}
	token, _, err := it.issuer.Issue(userID, userID, profileID)
	if err != nil {
		it.t.Fatalf("failed to issue token: %v", err)
	}
	request := httptest.NewRequest(method, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	it.handler.ServeHTTP(recorder, request)
	if recorder.Code != expected {
		it.t.Fatalf("%s %s: expected %d, got %d: %s", method, path, expected, recorder.Code, recorder.Body.String())
	}
	if recorder.Body.Len() == 0 {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		it.t.Fatalf("failed to decode response: %v", err)
	}
	return decoded
}

func (it *integration) waitFor(description string, condition func() bool) {
	it.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	it.t.Fatalf("timed out waiting for %s", description)
}

func (it *integration) pushedKinds() map[string]int {
	kinds := make(map[string]int)
	for _, entry := range it.logs.FilterMessage("push notification").All() {
		data, ok := entry.ContextMap()["data"].(map[string]string)
		if !ok {
			continue
		}
		kinds[data[fanout.DataType]]++
	}
	return kinds
}

func TestConfirmRepairsCopiesAndNotifiesDevices(t *testing.T) {
	it := newIntegration(t)

	ownerProfile := it.request(http.MethodPost, "/profiles", "u1", "", map[string]string{"name": "Ada"}, http.StatusCreated)["id"].(string)
	guestProfile := it.request(http.MethodPost, "/profiles", "u2", "", map[string]string{"name": "Grace"}, http.StatusCreated)["id"].(string)
	it.request(http.MethodPost, "/devices", "u1", "", map[string]string{"platform": "ios", "token": "owner-device"}, http.StatusNoContent)
	it.request(http.MethodPost, "/devices", "u2", "", map[string]string{"platform": "android", "token": "guest-device"}, http.StatusNoContent)

	created := it.request(http.MethodPost, "/events", "u1", ownerProfile, map[string]string{"title": "Dinner"}, http.StatusCreated)
	eventID := created["event"].(map[string]any)["id"].(string)
	it.request(http.MethodPost, "/events/"+eventID+"/share", "u1", ownerProfile, map[string][]string{"profile_ids": {guestProfile}}, http.StatusOK)
	confirmed := it.request(http.MethodPost, "/events/"+eventID+"/confirm", "u2", guestProfile, nil, http.StatusOK)
	if count := confirmed["event"].(map[string]any)["confirmed_count"].(float64); count != 2 {
		t.Fatalf("expected two confirmations, got %v", count)
	}

	it.waitFor("confirm notification", func() bool {
		return it.pushedKinds()[string(fanout.KindConfirmEvent)] == 1
	})

	ctx := context.Background()
	event, err := it.app.store.Session().Events().Get(ctx, eventID)
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	it.waitFor("repaired copies", func() bool {
		for _, profileID := range []string{ownerProfile, guestProfile} {
			join, err := it.app.store.Session().ProfileEvents().Get(ctx, profileID, eventID)
			if err != nil || !join.EventUpdatedAt.Equal(event.UpdatedAt) {
				return false
			}
		}
		return true
	})

	letters, err := it.app.listDeadLetters(ctx, 10)
	if err != nil || len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %v (%v)", letters, err)
	}
}
