package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var (
	testSecret = []byte("tandem-test-secret")
	testNow    = time.Date(2026, 6, 2, 18, 30, 0, 0, time.UTC)
)

func newPair(t *testing.T, cookieName string, clock func() time.Time) (*Issuer, *Validator) {
	t.Helper()
	issuer, err := NewIssuer(IssuerConfig{SigningSecret: testSecret, Issuer: "tandem", TokenTTL: time.Hour, Clock: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := NewValidator(ValidatorConfig{SigningSecret: testSecret, Issuer: "tandem", CookieName: cookieName, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	return issuer, validator
}

func TestValidateTokenRoundTrip(t *testing.T) {
	issuer, validator := newPair(t, "", func() time.Time { return testNow.Add(time.Minute) })
	token, expiresAt, err := issuer.Issue("u1", "Ada", "p1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.UserID() != "u1" || claims.DisplayName != "Ada" || claims.ProfileID != "p1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuer, validator := newPair(t, "", func() time.Time { return testNow.Add(2 * time.Hour) })
	token, _, err := issuer.Issue("u1", "", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateTokenRejectsForeignIssuerAndSecret(t *testing.T) {
	_, validator := newPair(t, "", func() time.Time { return testNow })
	foreign, err := NewIssuer(IssuerConfig{SigningSecret: testSecret, Issuer: "elsewhere", Clock: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err := foreign.Issue("u1", "", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign issuer, got %v", err)
	}

	forged, err := NewIssuer(IssuerConfig{SigningSecret: []byte("other"), Issuer: "tandem", Clock: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err = forged.Issue("u1", "", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := validator.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestValidateRequestReadsBearerThenCookie(t *testing.T) {
	issuer, validator := newPair(t, "tandem_session", func() time.Time { return testNow })
	token, _, err := issuer.Issue("u7", "", "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	bearer := httptest.NewRequest(http.MethodGet, "/events", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)
	if claims, err := validator.ValidateRequest(bearer); err != nil || claims.UserID() != "u7" {
		t.Fatalf("expected bearer token to validate, got %+v (%v)", claims, err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/events", nil)
	cookie.AddCookie(&http.Cookie{Name: "tandem_session", Value: token})
	if claims, err := validator.ValidateRequest(cookie); err != nil || claims.UserID() != "u7" {
		t.Fatalf("expected cookie token to validate, got %+v (%v)", claims, err)
	}

	malformed := httptest.NewRequest(http.MethodGet, "/events", nil)
	malformed.Header.Set("Authorization", "Token "+token)
	if _, err := validator.ValidateRequest(malformed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for a non-bearer scheme, got %v", err)
	}

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/events", nil)); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestConstructorsRequireSecretAndIssuer(t *testing.T) {
	if _, err := NewValidator(ValidatorConfig{Issuer: "tandem"}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
	if _, err := NewValidator(ValidatorConfig{SigningSecret: testSecret}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
	if _, err := NewIssuer(IssuerConfig{SigningSecret: testSecret, Issuer: " "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
	issuer, err := NewIssuer(IssuerConfig{SigningSecret: testSecret, Issuer: "tandem"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := issuer.Issue(" ", "", ""); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}
