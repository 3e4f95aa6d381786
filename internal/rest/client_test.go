package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bridgewatch/internal/gwerr"
	"bridgewatch/internal/model"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok-1", 2*time.Second)
}

func TestListSessionsSendsBearerToken(t *testing.T) {
	var gotAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessions": []model.Session{{ID: "s1", IsActive: true}},
		})
	})

	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestMissingTokenIsPreconditionFailure(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "", time.Second)

	_, err := c.ListSessions(context.Background())
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
	if !gwerr.Is(err, gwerr.CodeAuthError) {
		t.Errorf("missing token should classify as auth_error")
	}
	if called {
		t.Error("request reached the network despite missing token")
	}
}

func TestStatusCodeClassification(t *testing.T) {
	tests := []struct {
		status int
		want   gwerr.Code
	}{
		{http.StatusUnauthorized, gwerr.CodeAuthError},
		{http.StatusForbidden, gwerr.CodeAuthError},
		{http.StatusGatewayTimeout, gwerr.CodeTimeout},
		{http.StatusInternalServerError, gwerr.CodeConnectionFailed},
		{http.StatusNotFound, gwerr.CodeUnknown},
	}
	for _, tt := range tests {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		_, err := c.ListSessions(context.Background())
		if !gwerr.Is(err, tt.want) {
			t.Errorf("status %d classified as %s, want %s", tt.status, gwerr.CodeOf(err), tt.want)
		}
	}
}

func TestCreateSessionPostsDisplayName(t *testing.T) {
	var gotBody map[string]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": model.Session{ID: "s2", DisplayName: gotBody["displayName"], IsActive: true},
		})
	})

	s, err := c.CreateSession(context.Background(), "Support Line")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if gotBody["displayName"] != "Support Line" {
		t.Errorf("posted body = %v", gotBody)
	}
	if s.ID != "s2" {
		t.Errorf("session = %+v", s)
	}
}

func TestQRCodeConnectedSignal(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(QRResult{IsConnected: true})
	})

	res, err := c.QRCode(context.Background(), "s1")
	if err != nil {
		t.Fatalf("QRCode: %v", err)
	}
	if !res.IsConnected || res.Code != "" {
		t.Errorf("res = %+v, want connected signal without code", res)
	}
}

func TestManagerAccessRoundTrip(t *testing.T) {
	var paths []string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"managers": []model.Manager{{UserID: "u1"}},
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	ctx := context.Background()
	if err := c.GrantManager(ctx, "s1", "u1"); err != nil {
		t.Fatalf("GrantManager: %v", err)
	}
	managers, err := c.ListManagers(ctx, "s1")
	if err != nil {
		t.Fatalf("ListManagers: %v", err)
	}
	if len(managers) != 1 || managers[0].UserID != "u1" {
		t.Errorf("managers = %+v", managers)
	}
	if err := c.RevokeManager(ctx, "s1", "u1"); err != nil {
		t.Fatalf("RevokeManager: %v", err)
	}

	want := []string{
		"POST /sessions/s1/managers",
		"GET /sessions/s1/managers",
		"DELETE /sessions/s1/managers/u1",
	}
	for i, p := range want {
		if i >= len(paths) || paths[i] != p {
			t.Errorf("call %d = %v, want %s", i, paths, p)
		}
	}
}

func TestStats(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(model.Stats{TotalSessions: 3, ConnectedSessions: 2})
	})

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalSessions != 3 || stats.ConnectedSessions != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
