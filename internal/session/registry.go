// Package session implements the registry of messaging sessions known
// to the tenant: their pairing lifecycle, the QR handshake, and the at
// most one session this client is joined to.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"bridgewatch/internal/bus"
	"bridgewatch/internal/gateway"
	"bridgewatch/internal/model"
	"bridgewatch/internal/rest"
)

// API is the REST collaborator surface the registry consumes.
type API interface {
	ListSessions(ctx context.Context) ([]model.Session, error)
	CreateSession(ctx context.Context, displayName string) (*model.Session, error)
	DisconnectSession(ctx context.Context, sessionID string) error
	QRCode(ctx context.Context, sessionID string) (*rest.QRResult, error)
}

// Caller is the request/acknowledgement surface of the push channel.
type Caller interface {
	Call(ctx context.Context, op string, params, out any) error
}

// Registry holds the session snapshot, pairing states, cached QR codes
// and the joined-session pointer. All mutation replaces whole
// collections before publishing, so subscribers never see partial state.
type Registry struct {
	api    API
	gw     Caller
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	sessions []model.Session
	states   map[string]PairState
	qr       map[string]string
	joinedID string
	perms    model.Permissions

	cancel context.CancelFunc
}

// NewRegistry creates a session registry.
func NewRegistry(api API, gw Caller, b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		api:    api,
		gw:     gw,
		bus:    b,
		logger: logger,
		states: make(map[string]PairState),
		qr:     make(map[string]string),
	}
}

// Start subscribes the registry to gateway pushes and connection
// lifecycle events.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	gwCh, gwUnsub := r.bus.Subscribe("gw.", 256)
	connCh, connUnsub := r.bus.Subscribe("conn.", 16)

	go func() {
		defer gwUnsub()
		defer connUnsub()
		for {
			select {
			case evt := <-gwCh:
				if evt.Kind == bus.KindGwSessionStatus {
					if status, ok := evt.Payload.(gateway.SessionStatusEvent); ok {
						r.ApplyStatusEvent(status)
					}
				}
			case evt := <-connCh:
				r.handleConnEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the registry's event loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Registry) handleConnEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnUp:
		up, ok := evt.Payload.(bus.ConnUp)
		if ok && up.Resync {
			r.resync(ctx)
		}
	case bus.KindConnClosed:
		r.reset()
	}
}

// Refresh fetches a fresh session snapshot over REST, diffs it
// field-by-field against the cache and publishes only when at least one
// tracked field actually changed. Returns whether a change was seen.
func (r *Registry) Refresh(ctx context.Context) (bool, error) {
	fresh, err := r.api.ListSessions(ctx)
	if err != nil {
		// Last-known snapshot stays in place on a failed fetch.
		return false, err
	}

	r.mu.Lock()
	changed := snapshotChanged(r.sessions, fresh)
	r.sessions = fresh
	seen := make(map[string]bool, len(fresh))
	for _, s := range fresh {
		seen[s.ID] = true
		r.syncPairState(s)
	}
	// Sessions gone from the snapshot take their pairing state and any
	// cached QR code with them; a recreated id must start clean.
	for id := range r.states {
		if !seen[id] {
			delete(r.states, id)
		}
	}
	for id := range r.qr {
		if !seen[id] {
			delete(r.qr, id)
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.logger.Info("session snapshot changed", zap.Int("sessions", len(fresh)))
		r.bus.Emit(bus.KindSessionsUpdated, snapshot)
	}
	return changed, nil
}

// Create provisions a new session via REST and adds it to the cache.
func (r *Registry) Create(ctx context.Context, displayName string) (*model.Session, error) {
	s, err := r.api.CreateSession(ctx, displayName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	next := make([]model.Session, 0, len(r.sessions)+1)
	next = append(next, r.sessions...)
	next = append(next, *s)
	r.sessions = next
	r.states[s.ID] = Unpaired
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.bus.Emit(bus.KindSessionsUpdated, snapshot)
	return s, nil
}

// Disconnect tears a session down on the backend and returns it to the
// unpaired state locally.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) error {
	if err := r.api.DisconnectSession(ctx, sessionID); err != nil {
		return err
	}

	r.mu.Lock()
	next := make([]model.Session, len(r.sessions))
	copy(next, r.sessions)
	for i := range next {
		if next[i].ID == sessionID {
			next[i].IsConnected = false
			next[i].IsActive = false
			next[i].PhoneNumber = ""
		}
	}
	r.sessions = next
	r.applyPairState(sessionID, Unpaired)
	delete(r.qr, sessionID)
	if r.joinedID == sessionID {
		r.joinedID = ""
		r.perms = model.Permissions{}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.bus.Emit(bus.KindSessionsUpdated, snapshot)
	return nil
}

// QR fetches the pairing code for a session. The backend may report
// that pairing already completed, in which case the session is marked
// connected and no code is cached.
func (r *Registry) QR(ctx context.Context, sessionID string) (string, error) {
	res, err := r.api.QRCode(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if res.IsConnected {
		r.ApplyStatusEvent(gateway.SessionStatusEvent{
			SessionID:   sessionID,
			Status:      string(Connected),
			IsConnected: boolPtr(true),
		})
		return "", nil
	}

	r.mu.Lock()
	r.qr[sessionID] = res.Code
	r.applyPairState(sessionID, WaitingForQR)
	r.mu.Unlock()

	r.bus.Emit(bus.KindSessionQR, bus.SessionQR{SessionID: sessionID, Code: res.Code})
	return res.Code, nil
}

// Join subscribes this client to a session's live events. At most one
// session is joined at a time; joining another leaves the current one
// first. An unauthorized join fails loudly with an auth_error.
func (r *Registry) Join(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	prev := r.joinedID
	r.mu.Unlock()

	if prev == sessionID {
		return nil
	}
	if prev != "" {
		if err := r.Leave(ctx); err != nil {
			r.logger.Warn("leave before join failed", zap.String("sessionId", prev), zap.Error(err))
		}
	}

	var res gateway.JoinResult
	err := r.gw.Call(ctx, gateway.OpJoinSession, gateway.JoinParams{SessionID: sessionID}, &res)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.joinedID = sessionID
	r.perms = res.Permissions
	r.mergeSessionLocked(res.Session)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Info("joined session", zap.String("sessionId", sessionID))
	r.bus.Emit(bus.KindSessionJoined, bus.SessionJoined{SessionID: sessionID, Permissions: res.Permissions})
	r.bus.Emit(bus.KindSessionsUpdated, snapshot)
	return nil
}

// Leave unsubscribes from the currently joined session, if any.
func (r *Registry) Leave(ctx context.Context) error {
	r.mu.Lock()
	joined := r.joinedID
	r.mu.Unlock()
	if joined == "" {
		return nil
	}

	err := r.gw.Call(ctx, gateway.OpLeaveSession, gateway.JoinParams{SessionID: joined}, nil)

	r.mu.Lock()
	r.joinedID = ""
	r.perms = model.Permissions{}
	r.mu.Unlock()

	r.bus.Emit(bus.KindSessionLeft, joined)
	return err
}

// Status re-queries one session over the push channel and merges the
// result through the same diff rule as every other update path.
func (r *Registry) Status(ctx context.Context, sessionID string) (*model.Session, error) {
	var res gateway.SessionStatusResult
	err := r.gw.Call(ctx, gateway.OpGetSessionStatus, gateway.SessionStatusParams{SessionID: sessionID}, &res)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	changed := r.mergeSessionLocked(res.Session)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.bus.Emit(bus.KindSessionsUpdated, snapshot)
	}
	return &res.Session, nil
}

// ApplyStatusEvent merges a session_status push into the cache. Phone
// number, display name and connected flag update atomically; becoming
// connected clears the cached QR code. The publish happens only when a
// tracked field actually changed.
func (r *Registry) ApplyStatusEvent(evt gateway.SessionStatusEvent) {
	r.mu.Lock()
	idx := -1
	for i := range r.sessions {
		if r.sessions[i].ID == evt.SessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Debug("status push for unknown session", zap.String("sessionId", evt.SessionID))
		return
	}

	next := make([]model.Session, len(r.sessions))
	copy(next, r.sessions)
	s := next[idx]
	if evt.PhoneNumber != nil {
		s.PhoneNumber = *evt.PhoneNumber
	}
	if evt.DisplayName != nil {
		s.DisplayName = *evt.DisplayName
	}
	if evt.IsConnected != nil {
		s.IsConnected = *evt.IsConnected
	}
	fieldsChanged := changed(next[idx], s)
	next[idx] = s
	r.sessions = next

	if evt.QRCode != nil && *evt.QRCode != "" {
		r.qr[evt.SessionID] = *evt.QRCode
		r.applyPairState(evt.SessionID, WaitingForQR)
	}
	if s.IsConnected {
		delete(r.qr, evt.SessionID)
		r.applyPairState(evt.SessionID, Connected)
	} else if !s.IsActive && r.states[evt.SessionID] == Connected {
		r.applyPairState(evt.SessionID, Unpaired)
	}
	snapshot := r.snapshotLocked()
	qrCode, hasQR := r.qr[evt.SessionID], evt.QRCode != nil && *evt.QRCode != ""
	r.mu.Unlock()

	if hasQR {
		r.bus.Emit(bus.KindSessionQR, bus.SessionQR{SessionID: evt.SessionID, Code: qrCode})
	}
	if fieldsChanged {
		r.logger.Info("session status changed",
			zap.String("sessionId", evt.SessionID),
			zap.Bool("connected", s.IsConnected))
		r.bus.Emit(bus.KindSessionsUpdated, snapshot)
	}
}

// Sessions returns a copy of the current snapshot.
func (r *Registry) Sessions() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// JoinedID returns the id of the joined session, or empty.
func (r *Registry) JoinedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinedID
}

// Permissions returns the grants for the joined session.
func (r *Registry) Permissions() (model.Permissions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perms, r.joinedID != ""
}

// StateOf returns the pairing state tracked for a session.
func (r *Registry) StateOf(sessionID string) PairState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[sessionID]; ok {
		return st
	}
	return Unpaired
}

// PendingPairing reports whether any visible session is active but not
// yet connected (or still shows a placeholder phone number). The
// polling fallback keys off this.
func (r *Registry) PendingPairing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.IsActive && (!s.IsConnected || isPlaceholderPhone(s.PhoneNumber)) {
			return true
		}
	}
	return false
}

// resync runs after an involuntary drop was recovered: the snapshot is
// re-fetched and the previously joined session is re-joined, since the
// server-side subscription died with the old socket.
func (r *Registry) resync(ctx context.Context) {
	r.mu.Lock()
	joined := r.joinedID
	r.joinedID = ""
	r.mu.Unlock()

	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn("resync refresh failed", zap.Error(err))
	}
	if joined != "" {
		if err := r.Join(ctx, joined); err != nil {
			r.logger.Warn("rejoin after reconnect failed", zap.String("sessionId", joined), zap.Error(err))
		}
	}
}

// reset clears all dependent state after a user-initiated disconnect.
func (r *Registry) reset() {
	r.mu.Lock()
	r.sessions = nil
	r.states = make(map[string]PairState)
	r.qr = make(map[string]string)
	r.joinedID = ""
	r.perms = model.Permissions{}
	r.mu.Unlock()

	r.bus.Emit(bus.KindSessionsUpdated, []model.Session{})
}

func (r *Registry) snapshotLocked() []model.Session {
	out := make([]model.Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// mergeSessionLocked replaces the cached copy of one session, keeping
// the whole-slice-replace discipline. Reports whether tracked fields
// changed.
func (r *Registry) mergeSessionLocked(s model.Session) bool {
	next := make([]model.Session, len(r.sessions))
	copy(next, r.sessions)
	wasChanged := false
	found := false
	for i := range next {
		if next[i].ID == s.ID {
			wasChanged = changed(next[i], s)
			next[i] = s
			found = true
			break
		}
	}
	if !found {
		next = append(next, s)
		wasChanged = true
	}
	r.sessions = next
	r.syncPairState(s)
	return wasChanged
}

// syncPairState drives the pairing machine from authoritative session
// fields.
func (r *Registry) syncPairState(s model.Session) {
	switch {
	case s.IsConnected:
		r.applyPairState(s.ID, Connected)
		delete(r.qr, s.ID)
	case !s.IsActive:
		r.applyPairState(s.ID, Unpaired)
	}
}

func (r *Registry) applyPairState(sessionID string, to PairState) {
	from, ok := r.states[sessionID]
	if !ok {
		from = Unpaired
	}
	if err := transition(from, to); err != nil {
		r.logger.Warn("pairing state forced", zap.String("sessionId", sessionID), zap.Error(err))
	}
	r.states[sessionID] = to
}

func boolPtr(b bool) *bool { return &b }
