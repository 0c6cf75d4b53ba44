// Package session implements SessionManager: the live transport-binding
// registry, account/character uniqueness enforcement, and the idle sweep
// (spec.md §4.C).
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"muruntime/internal/domain"
	"muruntime/internal/token"
)

// HTTPSessionChecker is the narrow out-of-scope collaborator interface used
// to confirm the HTTP session backing an AuthToken is still alive. The
// runtime never re-verifies the token's signature through it (spec.md §6:
// "it never calls the issuer to verify" the signature) — only liveness.
type HTTPSessionChecker interface {
	IsAlive(httpSessionID string) bool
}

// Session is a live transport binding (spec.md §3).
type Session struct {
	SessionID          domain.SessionID
	AccountID          domain.AccountID
	TransportEndpoint  string
	BoundCharacterID   domain.CharacterID
	AuthorizedChars    []string
	LastActivityAt     time.Time
	State              domain.SessionState
}

// Config tunes SessionManager behavior.
type Config struct {
	IdleTimeout         time.Duration
	HeartbeatIntervalMs uint32
	// DuplicatePolicy resolves the Open Question in spec.md §9: "new
	// rejected" keeps the existing Session and rejects the newcomer.
	DuplicatePolicy DuplicatePolicy
}

// DuplicatePolicy names the behavior when a second Session attempts to bind
// an account_id already holding a non-Closing Session.
type DuplicatePolicy string

const (
	// PolicyRejectNew keeps the existing session, exactly as spec.md's
	// retained default (old session wins at the transport-binding level).
	PolicyRejectNew DuplicatePolicy = "reject_new"
)

// DefaultConfig returns spec.md §6-aligned defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:         5 * time.Minute,
		HeartbeatIntervalMs: 15000,
		DuplicatePolicy:     PolicyRejectNew,
	}
}

// Manager owns every live Session. Uniqueness checks are guarded by a
// per-account mutex held only for the critical section (spec.md §4.C).
type Manager struct {
	cfg      Config
	verifier *token.AuthVerifier
	checker  HTTPSessionChecker

	mu             sync.RWMutex
	byID           map[domain.SessionID]*Session
	byAccount      map[domain.AccountID]domain.SessionID
	byCharacter    map[domain.CharacterID]domain.SessionID
	accountLocks   map[domain.AccountID]*sync.Mutex
	accountLocksMu sync.Mutex
}

// NewManager constructs a SessionManager verifying AuthTokens with verifier
// and consulting checker for HTTP-session liveness.
func NewManager(verifier *token.AuthVerifier, checker HTTPSessionChecker, cfg Config) *Manager {
	return &Manager{
		cfg:          cfg,
		verifier:     verifier,
		checker:      checker,
		byID:         make(map[domain.SessionID]*Session),
		byAccount:    make(map[domain.AccountID]domain.SessionID),
		byCharacter:  make(map[domain.CharacterID]domain.SessionID),
		accountLocks: make(map[domain.AccountID]*sync.Mutex),
	}
}

func (m *Manager) lockFor(accountID domain.AccountID) *sync.Mutex {
	m.accountLocksMu.Lock()
	defer m.accountLocksMu.Unlock()
	l, ok := m.accountLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.accountLocks[accountID] = l
	}
	return l
}

// Begin implements protocol.SessionBinder's Begin: verifies the AuthToken,
// confirms the HTTP session is alive, and installs a new Session — or
// rejects if another Session for the same account already exists in a
// non-Closing state.
func (m *Manager) Begin(tokenBytes []byte, transportEndpoint string) (domain.BoundSession, *domain.ServerError) {
	claims, err := m.verifier.Verify(string(tokenBytes))
	if err != nil {
		return domain.BoundSession{}, domain.NewServerError(domain.ErrInvalidToken, err.Error())
	}
	if m.checker != nil && !m.checker.IsAlive(claims.HTTPSessionID) {
		return domain.BoundSession{}, domain.NewServerError(domain.ErrInvalidToken, "http session no longer alive")
	}

	accountID := domain.AccountID(claims.AccountID)
	lock := m.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	existingID, exists := m.byAccount[accountID]
	m.mu.RUnlock()
	if exists {
		m.mu.RLock()
		existing := m.byID[existingID]
		m.mu.RUnlock()
		if existing != nil && existing.State != domain.SessionClosing {
			return domain.BoundSession{}, domain.NewServerError(domain.ErrInvalidSession, "account already has an active session")
		}
	}

	sess := &Session{
		SessionID:         domain.SessionID(uuid.NewString()),
		AccountID:         accountID,
		TransportEndpoint: transportEndpoint,
		AuthorizedChars:   claims.AuthorizedCharacters,
		LastActivityAt:    time.Now(),
		State:             domain.SessionAuthenticated,
	}

	m.mu.Lock()
	m.byID[sess.SessionID] = sess
	m.byAccount[accountID] = sess.SessionID
	m.mu.Unlock()

	return domain.BoundSession{
		SessionID:            sess.SessionID,
		HeartbeatIntervalMs:  m.cfg.HeartbeatIntervalMs,
		AuthorizedCharacters: sess.AuthorizedChars,
	}, nil
}

// BindCharacter implements bind_character: rejects if character_id is not
// in the token's authorized list, or if another Session already binds it.
func (m *Manager) BindCharacter(sessionID domain.SessionID, characterID domain.CharacterID) *domain.ServerError {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byID[sessionID]
	if !ok {
		return domain.NewServerError(domain.ErrInvalidSession, "unknown session")
	}
	if !authorizes(sess.AuthorizedChars, characterID) {
		return domain.NewServerError(domain.ErrInvalidAction, "character not authorized for this token")
	}
	if holder, bound := m.byCharacter[characterID]; bound && holder != sessionID {
		if holderSess := m.byID[holder]; holderSess != nil && holderSess.State != domain.SessionClosing {
			return domain.NewServerError(domain.ErrInvalidSession, "character already bound to another session")
		}
	}

	if sess.BoundCharacterID != "" {
		delete(m.byCharacter, sess.BoundCharacterID)
	}
	sess.BoundCharacterID = characterID
	sess.State = domain.SessionInMap
	m.byCharacter[characterID] = sessionID
	return nil
}

func authorizes(authorized []string, id domain.CharacterID) bool {
	for _, a := range authorized {
		if domain.CharacterID(a) == id {
			return true
		}
	}
	return false
}

// Touch implements protocol.SessionBinder's Touch: updates last_activity.
func (m *Manager) Touch(sessionID domain.SessionID) {
	m.mu.RLock()
	sess, ok := m.byID[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.mu.Lock()
	sess.LastActivityAt = time.Now()
	m.mu.Unlock()
}

// CloseReason names why a Session was closed.
type CloseReason string

const (
	CloseLogout       CloseReason = "logout"
	CloseAuthFailure  CloseReason = "auth_failure"
	CloseIdleTimeout  CloseReason = "idle_timeout"
	CloseTransportLost CloseReason = "transport_lost"
)

// CloseNotifier is invoked after a Session transitions to Closing, so the
// CoreRuntime can release the WorldDirectory slot if the session was InMap.
type CloseNotifier interface {
	OnSessionClosed(sess Session, reason CloseReason)
}

// Close implements close(session_id, reason): releases the character
// binding, notifies subscribers, and removes the Session.
func (m *Manager) Close(sessionID domain.SessionID, reason CloseReason, notifier CloseNotifier) {
	m.mu.Lock()
	sess, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sess.State = domain.SessionClosing
	delete(m.byID, sessionID)
	if m.byAccount[sess.AccountID] == sessionID {
		delete(m.byAccount, sess.AccountID)
	}
	if sess.BoundCharacterID != "" && m.byCharacter[sess.BoundCharacterID] == sessionID {
		delete(m.byCharacter, sess.BoundCharacterID)
	}
	snapshot := *sess
	m.mu.Unlock()

	if notifier != nil {
		notifier.OnSessionClosed(snapshot, reason)
	}
}

// SweepIdle removes every Session whose last_activity predates the idle
// timeout, returning the closed sessions for the caller to notify about.
func (m *Manager) SweepIdle(notifier CloseNotifier) []Session {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var stale []domain.SessionID
	for id, sess := range m.byID {
		if sess.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	closed := make([]Session, 0, len(stale))
	for _, id := range stale {
		m.mu.RLock()
		sess, ok := m.byID[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		closed = append(closed, *sess)
		m.Close(id, CloseIdleTimeout, notifier)
	}
	return closed
}

// RunIdleSweep runs SweepIdle every interval until stop is closed. Callers
// typically start this once from CoreRuntime's startup sequence.
func (m *Manager) RunIdleSweep(stop <-chan struct{}, interval time.Duration, notifier CloseNotifier) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.SweepIdle(notifier)
		}
	}
}

// Get returns a copy of the Session for read-only inspection (e.g. by
// CoreRuntime's SelectCharacter handling), or false if it does not exist.
func (m *Manager) Get(sessionID domain.SessionID) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
