package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/attendance/backend/internal/attendance"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "attendance-auth"
	testSessionUserID        = "servant-7"
)

var testClockNow = time.Date(2026, 9, 25, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, role string, ttl time.Duration) string {
	t.Helper()
	signed, err := SignTestToken([]byte(testSessionSigningSecret), testSessionIssuer, testSessionUserID, role, "class-a", testClockNow, ttl)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestValidator(t)

	claims, err := validator.ValidateToken(signTestToken(t, attendance.RoleServant, time.Hour))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	actor := claims.Actor()
	if actor.ID != testSessionUserID || actor.Role != attendance.RoleServant || actor.ClassID != "class-a" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestSessionValidatorRejectsInvalidTokens(t *testing.T) {
	validator := newTestValidator(t)

	wrongIssuer, err := SignTestToken([]byte(testSessionSigningSecret), "someone-else", testSessionUserID, attendance.RoleAdmin, "", testClockNow, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	wrongSecret, err := SignTestToken([]byte("other"), testSessionIssuer, testSessionUserID, attendance.RoleAdmin, "", testClockNow, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{UserID: testSessionUserID, Role: attendance.RoleAdmin}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned token: %v", err)
	}

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: " ", want: ErrMissingSessionToken},
		{name: "expired", token: signTestToken(t, attendance.RoleAdmin, -time.Second), want: ErrExpiredSessionToken},
		{name: "unknown role", token: signTestToken(t, "parent", time.Hour), want: ErrUnknownSessionRole},
		{name: "wrong issuer", token: wrongIssuer, want: ErrInvalidSessionToken},
		{name: "wrong secret", token: wrongSecret, want: ErrInvalidSessionToken},
		{name: "unsigned", token: noneToken, want: ErrInvalidSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, attendance.RoleServiceLeader, time.Hour)

	bearer := httptest.NewRequest(http.MethodGet, "/reports/follow-up", http.NoBody)
	bearer.Header.Set("Authorization", "Bearer "+signed)
	if claims, err := validator.ValidateRequest(bearer); err != nil || claims.Role != attendance.RoleServiceLeader {
		t.Fatalf("bearer validation failed: %+v %v", claims, err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/reports/follow-up", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: signed})
	if claims, err := validator.ValidateRequest(cookie); err != nil || claims.UserID != testSessionUserID {
		t.Fatalf("cookie validation failed: %+v %v", claims, err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/reports/follow-up", http.NoBody)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for basic auth, got %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/reports/follow-up", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{Issuer: testSessionIssuer}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s")}); !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
