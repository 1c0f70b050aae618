package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mt5-trading-server/config"
	"mt5-trading-server/internal/auth"
	"mt5-trading-server/internal/database"
	"mt5-trading-server/internal/events"
)

func TestIntQueryBounds(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"absent uses default", "", 50},
		{"valid value passes", "limit=10", 10},
		{"below minimum clamps", "limit=0", 1},
		{"above maximum clamps", "limit=9999", 500},
		{"garbage uses default", "limit=abc", 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/x?"+tc.query, nil)
			if got := intQuery(c, "limit", 50, 1, 500); got != tc.want {
				t.Errorf("intQuery(%q) = %d, want %d", tc.query, got, tc.want)
			}
		})
	}
}

func TestValidSymbolStatus(t *testing.T) {
	for _, status := range []string{
		database.SymbolStatusActive, database.SymbolStatusReducedRisk,
		database.SymbolStatusPaused, database.SymbolStatusDisabled,
		database.SymbolStatusShadowTrade,
	} {
		if !validSymbolStatus(status) {
			t.Errorf("status %q rejected", status)
		}
	}
	for _, status := range []string{"", "ACTIVE", "halted", "resume"} {
		if validSymbolStatus(status) {
			t.Errorf("status %q accepted", status)
		}
	}
}

func TestAccountParam(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		raw    string
		wantID int64
		wantOK bool
	}{
		{"12345", 12345, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Params = gin.Params{{Key: "id", Value: tc.raw}}

		id, ok := accountParam(c)
		if ok != tc.wantOK || id != tc.wantID {
			t.Errorf("accountParam(%q) = (%d, %v), want (%d, %v)", tc.raw, id, ok, tc.wantID, tc.wantOK)
		}
		if !tc.wantOK && w.Code != http.StatusBadRequest {
			t.Errorf("accountParam(%q) wrote status %d, want 400", tc.raw, w.Code)
		}
	}
}

func TestHubBroadcastReachesClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 4), hub: hub}
	hub.register <- client

	deadline := time.After(2 * time.Second)
	for hub.ClientCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	hub.BroadcastEvent(events.Event{Type: events.EventTradeOpened, AccountID: 42})

	select {
	case raw := <-client.send:
		var got events.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("broadcast payload is not an event: %v", err)
		}
		if got.Type != events.EventTradeOpened || got.AccountID != 42 {
			t.Fatalf("got event %+v, want trade_opened for account 42", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the client")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()

	// Unbuffered send channel with no reader: every broadcast overflows
	client := &wsClient{send: make(chan []byte), hub: hub}
	hub.register <- client

	deadline := time.After(2 * time.Second)
	for hub.ClientCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	hub.BroadcastEvent(events.Event{Type: events.EventSignalCreated})

	deadline = time.After(2 * time.Second)
	for hub.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("slow client was never dropped")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestHandleLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashPassword("operator-secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	mgr := auth.NewManager(config.AuthConfig{
		JWTSecret:            "dashboard-test-secret",
		TokenDuration:        time.Hour,
		OperatorUser:         "ops",
		OperatorPasswordHash: hash,
	})
	s := &Server{auth: mgr, logger: zerolog.Nop()}

	router := gin.New()
	router.POST("/api/auth/login", s.handleLogin)

	cases := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid login", `{"username":"ops","password":"operator-secret"}`, http.StatusOK},
		{"wrong password", `{"username":"ops","password":"nope"}`, http.StatusUnauthorized},
		{"wrong user", `{"username":"admin","password":"operator-secret"}`, http.StatusUnauthorized},
		{"missing fields", `{"username":"ops"}`, http.StatusBadRequest},
		{"not json", `hello`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.wantCode, w.Body.String())
			}
			if tc.wantCode == http.StatusOK {
				var resp struct {
					Token     string `json:"token"`
					ExpiresIn int64  `json:"expires_in"`
				}
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
					t.Fatalf("login response: %v", err)
				}
				if resp.Token == "" || resp.ExpiresIn != 3600 {
					t.Fatalf("login response %+v incomplete", resp)
				}
				if operator, err := mgr.ValidateToken(resp.Token); err != nil || operator != "ops" {
					t.Fatalf("issued token does not validate: %v (operator %q)", err, operator)
				}
			}
		})
	}
}
