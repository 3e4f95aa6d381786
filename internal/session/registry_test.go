package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"bridgewatch/internal/bus"
	"bridgewatch/internal/gateway"
	"bridgewatch/internal/gwerr"
	"bridgewatch/internal/model"
	"bridgewatch/internal/rest"
)

// fakeAPI is an in-memory REST collaborator.
type fakeAPI struct {
	sessions  []model.Session
	listErr   error
	listCalls int
	qrRes     *rest.QRResult
}

func (f *fakeAPI) ListSessions(context.Context) ([]model.Session, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeAPI) CreateSession(_ context.Context, displayName string) (*model.Session, error) {
	s := model.Session{ID: "new", DisplayName: displayName, IsActive: true}
	return &s, nil
}

func (f *fakeAPI) DisconnectSession(context.Context, string) error { return nil }

func (f *fakeAPI) QRCode(context.Context, string) (*rest.QRResult, error) {
	return f.qrRes, nil
}

// fakeCaller records push-channel calls and serves canned results.
type fakeCaller struct {
	err     error
	results map[string]any
	ops     []string
}

func (f *fakeCaller) Call(_ context.Context, op string, _, out any) error {
	f.ops = append(f.ops, op)
	if f.err != nil {
		return f.err
	}
	if res, ok := f.results[op]; ok && out != nil {
		raw, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
	return nil
}

func testRegistry(api *fakeAPI, gw *fakeCaller) (*Registry, *bus.Bus) {
	b := bus.New()
	return NewRegistry(api, gw, b, zap.NewNop()), b
}

func drainCount(ch <-chan bus.Event, kind string, wait time.Duration) int {
	count := 0
	deadline := time.After(wait)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				count++
			}
		case <-deadline:
			return count
		}
	}
}

func TestRefreshPublishesOnChange(t *testing.T) {
	api := &fakeAPI{sessions: []model.Session{{ID: "s1", IsActive: true}}}
	r, b := testRegistry(api, &fakeCaller{})
	ch, unsub := b.Subscribe("sessions.", 16)
	defer unsub()

	changed, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !changed {
		t.Error("first refresh should report a change")
	}
	if n := drainCount(ch, bus.KindSessionsUpdated, 100*time.Millisecond); n != 1 {
		t.Errorf("published %d updates, want 1", n)
	}
}

func TestRefreshPrunesRemovedSessionState(t *testing.T) {
	api := &fakeAPI{
		sessions: []model.Session{{ID: "s1", IsActive: true, PhoneNumber: "pending"}},
		qrRes:    &rest.QRResult{Code: "qr-data"},
	}
	r, _ := testRegistry(api, &fakeCaller{})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := r.QR(context.Background(), "s1"); err != nil {
		t.Fatalf("QR: %v", err)
	}
	if got := r.StateOf("s1"); got != WaitingForQR {
		t.Fatalf("state = %s, want %s", got, WaitingForQR)
	}

	// The session disappears from the backend snapshot.
	api.sessions = nil
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := r.StateOf("s1"); got != Unpaired {
		t.Errorf("state after removal = %s, want %s", got, Unpaired)
	}
	r.mu.Lock()
	_, cached := r.qr["s1"]
	r.mu.Unlock()
	if cached {
		t.Error("stale QR code survived session removal")
	}

	// A recreated id must not inherit the old pairing state.
	api.sessions = []model.Session{{ID: "s1", IsActive: true, PhoneNumber: "pending"}}
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := r.StateOf("s1"); got != Unpaired {
		t.Errorf("state after recreation = %s, want %s", got, Unpaired)
	}
}

func TestRefreshNoOpStability(t *testing.T) {
	api := &fakeAPI{sessions: []model.Session{{ID: "s1", IsActive: true, PhoneNumber: "+111"}}}
	r, b := testRegistry(api, &fakeCaller{})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ch, unsub := b.Subscribe("sessions.", 16)
	defer unsub()

	// Field-for-field identical snapshot: no re-emit.
	changed, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if changed {
		t.Error("identical snapshot reported as changed")
	}
	if n := drainCount(ch, bus.KindSessionsUpdated, 100*time.Millisecond); n != 0 {
		t.Errorf("identical snapshot published %d updates, want 0", n)
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	api := &fakeAPI{sessions: []model.Session{{ID: "s1", IsActive: true}}}
	r, _ := testRegistry(api, &fakeCaller{})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	api.listErr = gwerr.New(gwerr.CodeConnectionFailed, "down")
	if _, err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if got := r.Sessions(); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("last-known snapshot lost: %+v", got)
	}
}

func TestJoinStoresPermissions(t *testing.T) {
	gw := &fakeCaller{results: map[string]any{
		gateway.OpJoinSession: gateway.JoinResult{
			Session:     model.Session{ID: "s1", IsActive: true, IsConnected: true, PhoneNumber: "+111"},
			Permissions: model.Permissions{CanRead: true, CanWrite: true},
		},
	}}
	r, b := testRegistry(&fakeAPI{}, gw)
	ch, unsub := b.Subscribe("sessions.", 16)
	defer unsub()

	if err := r.Join(context.Background(), "s1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if r.JoinedID() != "s1" {
		t.Errorf("JoinedID = %q", r.JoinedID())
	}
	perms, ok := r.Permissions()
	if !ok || !perms.CanWrite {
		t.Errorf("permissions = %+v ok=%t", perms, ok)
	}
	if n := drainCount(ch, bus.KindSessionJoined, 100*time.Millisecond); n != 1 {
		t.Errorf("joined events = %d, want 1", n)
	}
}

func TestJoinAuthFailureLeavesNoState(t *testing.T) {
	gw := &fakeCaller{err: gwerr.New(gwerr.CodeAuthError, "unauthorized")}
	r, _ := testRegistry(&fakeAPI{}, gw)

	err := r.Join(context.Background(), "s1")
	if !gwerr.Is(err, gwerr.CodeAuthError) {
		t.Fatalf("err = %v, want auth_error", err)
	}
	if r.JoinedID() != "" {
		t.Errorf("failed join left JoinedID = %q", r.JoinedID())
	}
	if _, ok := r.Permissions(); ok {
		t.Error("failed join left permissions")
	}
}

func TestJoinSwitchesSessions(t *testing.T) {
	gw := &fakeCaller{results: map[string]any{
		gateway.OpJoinSession: gateway.JoinResult{Session: model.Session{ID: "s1"}},
	}}
	r, _ := testRegistry(&fakeAPI{}, gw)

	if err := r.Join(context.Background(), "s1"); err != nil {
		t.Fatalf("Join s1: %v", err)
	}
	gw.results[gateway.OpJoinSession] = gateway.JoinResult{Session: model.Session{ID: "s2"}}
	if err := r.Join(context.Background(), "s2"); err != nil {
		t.Fatalf("Join s2: %v", err)
	}

	want := []string{gateway.OpJoinSession, gateway.OpLeaveSession, gateway.OpJoinSession}
	if len(gw.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", gw.ops, want)
	}
	for i := range want {
		if gw.ops[i] != want[i] {
			t.Errorf("op %d = %s, want %s", i, gw.ops[i], want[i])
		}
	}
	if r.JoinedID() != "s2" {
		t.Errorf("JoinedID = %q, want s2", r.JoinedID())
	}
}

func TestStatusEventAppliesAtomicallyAndClearsQR(t *testing.T) {
	api := &fakeAPI{
		sessions: []model.Session{{ID: "s1", IsActive: true}},
		qrRes:    &rest.QRResult{Code: "qr-payload"},
	}
	r, b := testRegistry(api, &fakeCaller{})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := r.QR(context.Background(), "s1"); err != nil {
		t.Fatalf("QR: %v", err)
	}
	if r.StateOf("s1") != WaitingForQR {
		t.Fatalf("state = %s, want waiting_for_qr", r.StateOf("s1"))
	}

	ch, unsub := b.Subscribe("sessions.", 16)
	defer unsub()

	phone := "+5511999999999"
	name := "Main Line"
	connected := true
	r.ApplyStatusEvent(gateway.SessionStatusEvent{
		SessionID:   "s1",
		Status:      "connected",
		PhoneNumber: &phone,
		DisplayName: &name,
		IsConnected: &connected,
	})

	sessions := r.Sessions()
	if sessions[0].PhoneNumber != phone || sessions[0].DisplayName != name || !sessions[0].IsConnected {
		t.Errorf("session after status push = %+v", sessions[0])
	}
	if r.StateOf("s1") != Connected {
		t.Errorf("state = %s, want connected", r.StateOf("s1"))
	}
	if n := drainCount(ch, bus.KindSessionsUpdated, 100*time.Millisecond); n != 1 {
		t.Errorf("status push published %d updates, want 1", n)
	}

	// A subsequent snapshot fetch with identical fields is a no-op.
	api.sessions = []model.Session{{
		ID: "s1", IsActive: true, IsConnected: true,
		PhoneNumber: phone, DisplayName: name,
	}}
	changed, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if changed {
		t.Error("identical follow-up snapshot reported as changed")
	}
}

func TestQRConnectedSignal(t *testing.T) {
	api := &fakeAPI{
		sessions: []model.Session{{ID: "s1", IsActive: true}},
		qrRes:    &rest.QRResult{IsConnected: true},
	}
	r, _ := testRegistry(api, &fakeCaller{})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	code, err := r.QR(context.Background(), "s1")
	if err != nil {
		t.Fatalf("QR: %v", err)
	}
	if code != "" {
		t.Errorf("code = %q, want empty for connected signal", code)
	}
	if r.StateOf("s1") != Connected {
		t.Errorf("state = %s, want connected", r.StateOf("s1"))
	}
}

func TestPendingPairing(t *testing.T) {
	api := &fakeAPI{sessions: []model.Session{
		{ID: "s1", IsActive: true, IsConnected: true, PhoneNumber: "+111"},
	}}
	r, _ := testRegistry(api, &fakeCaller{})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if r.PendingPairing() {
		t.Error("fully connected session reported pending")
	}

	api.sessions = append(api.sessions, model.Session{ID: "s2", IsActive: true})
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !r.PendingPairing() {
		t.Error("active unpaired session not reported pending")
	}
}

func TestPairTransitions(t *testing.T) {
	valid := []struct{ from, to PairState }{
		{Unpaired, WaitingForQR},
		{Unpaired, Connected},
		{WaitingForQR, Connected},
		{WaitingForQR, Unpaired},
		{Connected, Unpaired},
		{Connected, Connected},
	}
	for _, tt := range valid {
		if err := transition(tt.from, tt.to); err != nil {
			t.Errorf("transition(%s, %s) = %v, want nil", tt.from, tt.to, err)
		}
	}
	if err := transition(Connected, WaitingForQR); err == nil {
		t.Error("connected -> waiting_for_qr should be unexpected")
	}
}
