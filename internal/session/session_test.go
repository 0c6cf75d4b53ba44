package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"muruntime/internal/domain"
	"muruntime/internal/token"
)

type alwaysAlive struct{}

func (alwaysAlive) IsAlive(string) bool { return true }

type neverAlive struct{}

func (neverAlive) IsAlive(string) bool { return false }

type recordingNotifier struct {
	closed []Session
	reason []CloseReason
}

func (n *recordingNotifier) OnSessionClosed(sess Session, reason CloseReason) {
	n.closed = append(n.closed, sess)
	n.reason = append(n.reason, reason)
}

func issueToken(t *testing.T, secret []byte, account string, chars []string, ttl time.Duration) []byte {
	t.Helper()
	tok, err := token.Issue(secret, account, "http-sess-1", chars, ttl)
	require.NoError(t, err)
	return []byte(tok)
}

func TestBeginInstallsSession(t *testing.T) {
	secret := []byte("shared-secret")
	m := NewManager(token.NewAuthVerifier(secret), alwaysAlive{}, DefaultConfig())

	tok := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	bound, sErr := m.Begin(tok, "endpoint-1")
	require.Nil(t, sErr)
	require.Equal(t, []string{"char-1"}, bound.AuthorizedCharacters)
	require.Equal(t, 1, m.Count())
}

func TestBeginRejectsDuplicateAccount(t *testing.T) {
	secret := []byte("shared-secret")
	m := NewManager(token.NewAuthVerifier(secret), alwaysAlive{}, DefaultConfig())

	tok := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	_, sErr := m.Begin(tok, "endpoint-1")
	require.Nil(t, sErr)

	_, sErr = m.Begin(tok, "endpoint-2")
	require.NotNil(t, sErr)
	require.Equal(t, domain.ErrInvalidSession, sErr.Kind)
	require.Equal(t, 1, m.Count())
}

func TestBeginRejectsDeadHTTPSession(t *testing.T) {
	secret := []byte("shared-secret")
	m := NewManager(token.NewAuthVerifier(secret), neverAlive{}, DefaultConfig())

	tok := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	_, sErr := m.Begin(tok, "endpoint-1")
	require.NotNil(t, sErr)
	require.Equal(t, domain.ErrInvalidToken, sErr.Kind)
}

func TestBeginRejectsBadToken(t *testing.T) {
	m := NewManager(token.NewAuthVerifier([]byte("secret-a")), alwaysAlive{}, DefaultConfig())
	tok := issueToken(t, []byte("secret-b"), "acct-1", nil, time.Minute)

	_, sErr := m.Begin(tok, "endpoint-1")
	require.NotNil(t, sErr)
	require.Equal(t, domain.ErrInvalidToken, sErr.Kind)
}

func TestBindCharacterRejectsUnauthorized(t *testing.T) {
	secret := []byte("shared-secret")
	m := NewManager(token.NewAuthVerifier(secret), alwaysAlive{}, DefaultConfig())
	tok := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	bound, sErr := m.Begin(tok, "endpoint-1")
	require.Nil(t, sErr)

	err := m.BindCharacter(bound.SessionID, domain.CharacterID("char-2"))
	require.NotNil(t, err)
	require.Equal(t, domain.ErrInvalidAction, err.Kind)
}

func TestBindCharacterSucceedsAndRebindingByAnotherSessionFails(t *testing.T) {
	secret := []byte("shared-secret")
	m := NewManager(token.NewAuthVerifier(secret), alwaysAlive{}, DefaultConfig())

	tok1 := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	bound1, sErr := m.Begin(tok1, "endpoint-1")
	require.Nil(t, sErr)
	require.Nil(t, m.BindCharacter(bound1.SessionID, "char-1"))

	tok2 := issueToken(t, secret, "acct-2", []string{"char-1"}, time.Minute)
	bound2, sErr := m.Begin(tok2, "endpoint-2")
	require.Nil(t, sErr)

	err := m.BindCharacter(bound2.SessionID, "char-1")
	require.NotNil(t, err)
	require.Equal(t, domain.ErrInvalidSession, err.Kind)
}

func TestCloseNotifiesAndFreesAccount(t *testing.T) {
	secret := []byte("shared-secret")
	m := NewManager(token.NewAuthVerifier(secret), alwaysAlive{}, DefaultConfig())
	tok := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	bound, sErr := m.Begin(tok, "endpoint-1")
	require.Nil(t, sErr)

	notifier := &recordingNotifier{}
	m.Close(bound.SessionID, CloseLogout, notifier)

	require.Equal(t, 0, m.Count())
	require.Len(t, notifier.closed, 1)
	require.Equal(t, CloseLogout, notifier.reason[0])

	tok2 := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	_, sErr = m.Begin(tok2, "endpoint-2")
	require.Nil(t, sErr)
}

func TestSweepIdleClosesStaleSessions(t *testing.T) {
	secret := []byte("shared-secret")
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Millisecond
	m := NewManager(token.NewAuthVerifier(secret), alwaysAlive{}, cfg)

	tok := issueToken(t, secret, "acct-1", []string{"char-1"}, time.Minute)
	_, sErr := m.Begin(tok, "endpoint-1")
	require.Nil(t, sErr)

	time.Sleep(5 * time.Millisecond)
	notifier := &recordingNotifier{}
	closed := m.SweepIdle(notifier)

	require.Len(t, closed, 1)
	require.Equal(t, 0, m.Count())
	require.Equal(t, CloseIdleTimeout, notifier.reason[0])
}
