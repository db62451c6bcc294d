package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-dialer/internal/config"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "dialer", JWTAudience: "ops", TokenTTL: 15 * time.Minute})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerify(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()

	token, err := m.Issue(now, "operator-1", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Verify(token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "operator-1" || claims.Role != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := m.Verify(token, now.Add(time.Hour)); !errors.Is(err, apperrors.ErrNotAuthenticated) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	m := newManager(t)
	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", JWTIssuer: "dialer", JWTAudience: "ops"})
	now := time.Now()

	token, _ := other.Issue(now, "operator-1", "")
	if _, err := m.Verify(token, now); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	wrongAud, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "dialer", JWTAudience: "billing"})
	token, _ = wrongAud.Issue(now, "operator-1", "")
	if _, err := m.Verify(token, now); err == nil {
		t.Fatalf("expected audience mismatch")
	}

	if _, err := NewManager(config.AuthConfig{}); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}

func TestRequireSession(t *testing.T) {
	m := newManager(t)
	app := fiber.New()
	app.Get("/private", RequireSession(m), func(c *fiber.Ctx) error {
		return c.SendString(Subject(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/private", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	token, _ := m.Issue(time.Now(), "operator-1", "")
	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
