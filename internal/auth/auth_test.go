package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mt5-trading-server/config"
)

const testPassword = "hunter2-but-longer"

func testManager(t *testing.T, duration time.Duration) *Manager {
	t.Helper()
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return NewManager(config.AuthConfig{
		JWTSecret:            "test-secret-0123456789",
		TokenDuration:        duration,
		OperatorUser:         "ops",
		OperatorPasswordHash: hash,
	})
}

func TestTokenRoundTrip(t *testing.T) {
	m := testManager(t, time.Hour)

	token, expiresIn, err := m.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if expiresIn != 3600 {
		t.Errorf("expiresIn = %d, want 3600", expiresIn)
	}

	operator, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if operator != "ops" {
		t.Errorf("operator = %q, want ops", operator)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	m := testManager(t, -time.Minute)
	token, _, err := m.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ValidateToken = %v, want ErrTokenExpired", err)
	}
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	token, _, err := testManager(t, time.Hour).GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	other := NewManager(config.AuthConfig{
		JWTSecret:    "a-different-secret-entirely",
		OperatorUser: "ops",
	})
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m := testManager(t, time.Hour)
	for _, junk := range []string{"", "not.a.token", "aaaa.bbbb"} {
		if _, err := m.ValidateToken(junk); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken(%q) = %v, want ErrInvalidToken", junk, err)
		}
	}
}

func TestCheckCredentials(t *testing.T) {
	m := testManager(t, time.Hour)

	if err := m.CheckCredentials("ops", testPassword); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}
	if err := m.CheckCredentials("ops", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password = %v, want ErrInvalidCredentials", err)
	}
	if err := m.CheckCredentials("admin", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong user = %v, want ErrInvalidCredentials", err)
	}
}

func TestCheckCredentialsDisabledWithoutHash(t *testing.T) {
	m := NewManager(config.AuthConfig{JWTSecret: "s", OperatorUser: "ops"})
	if err := m.CheckCredentials("ops", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("login without configured hash = %v, want ErrInvalidCredentials", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := testManager(t, time.Hour)

	router := gin.New()
	router.GET("/guarded", Middleware(m), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString(ContextKeyOperator)})
	})

	token, _, err := m.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid bearer", "Bearer " + token, http.StatusOK},
		{"case-insensitive scheme", "bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"mangled token", "Bearer " + token + "x", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
