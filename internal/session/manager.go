// Package session owns the non-interactive client's credential lifecycle:
// bootstrap, login, proactive refresh and logout against the platform's
// identity service. Failures never escape as errors; callers get boolean
// results and a missing token is the safe degraded state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/credential"
	"github.com/quillhaven/keycast/internal/domain"
)

const (
	// refreshThreshold triggers an on-demand refresh when the access token
	// is about to lapse.
	refreshThreshold = 60 * time.Second

	// proactiveLead is how far before expiry the scheduled refresh fires.
	proactiveLead = 2 * time.Minute

	// pollInterval paces callers waiting on an in-flight refresh.
	pollInterval = 100 * time.Millisecond
)

// Account identifies the bot account the manager drives.
type Account struct {
	Email       string
	Password    string
	DisplayName string
}

// Manager is the single owner of the credential file for this process.
type Manager struct {
	api     *APIClient
	store   *credential.Store
	account Account
	log     *logrus.Logger

	mu           sync.Mutex
	cred         *domain.Credential
	identity     *domain.Identity
	refreshing   bool
	loggedOut    bool
	refreshTimer *time.Timer
}

func NewManager(api *APIClient, store *credential.Store, account Account, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		api:     api,
		store:   store,
		account: account,
		log:     log,
	}
}

// Initialize loads the cached credential, validates it against the identity
// service and falls back to bootstrap-plus-login when it is absent or stale.
// It reports success; details go to the log.
func (m *Manager) Initialize(ctx context.Context) bool {
	cred, err := m.store.Load()
	if err != nil {
		m.log.WithError(err).Warn("failed to load cached credential")
	}

	if cred != nil && cred.TimeToExpiry(time.Now()) > refreshThreshold {
		identity, err := m.api.CheckToken(ctx, cred.AccessToken)
		if err == nil {
			m.mu.Lock()
			m.cred = cred
			m.identity = identity
			m.scheduleRefreshLocked()
			m.mu.Unlock()
			m.log.WithField("user", identity.DisplayName).Info("resumed session from cached credential")
			return true
		}
		m.log.WithError(err).Info("cached credential rejected, performing full login")
	}

	// Bootstrap is idempotent; an existing account is not an error.
	if err := m.api.Register(ctx, m.account.Email, m.account.Password, m.account.DisplayName); err != nil {
		m.log.WithError(err).Warn("account bootstrap failed")
	}

	return m.login(ctx)
}

// EnsureValidToken returns an access token that will stay valid for at
// least the refresh threshold, blocking (with polling, never spinning) while
// another caller's refresh is in flight. The empty string means every
// recovery attempt failed.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, bool) {
	for {
		m.mu.Lock()
		if m.loggedOut {
			m.mu.Unlock()
			return "", false
		}

		if m.refreshing {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(pollInterval):
			}
			continue
		}

		cred := m.cred
		m.mu.Unlock()

		if cred == nil {
			if !m.login(ctx) {
				return "", false
			}
			continue
		}

		if cred.TimeToExpiry(time.Now()) > refreshThreshold {
			return cred.AccessToken, true
		}

		if !m.Refresh() {
			// Either an overlapping refresh won the flag (retry and poll)
			// or recovery failed outright (cred is now nil and the next
			// login attempt decides).
			m.mu.Lock()
			failed := m.cred == nil && !m.refreshing
			m.mu.Unlock()
			if failed {
				return "", false
			}
		}
	}
}

// Refresh performs a single-flight token refresh. Overlapping callers fail
// fast instead of queueing. On refresh failure the credential is cleared
// and a full login is attempted before giving up.
func (m *Manager) Refresh() bool {
	m.mu.Lock()
	if m.refreshing || m.loggedOut || m.cred == nil {
		m.mu.Unlock()
		return false
	}
	m.refreshing = true
	refreshToken := m.cred.RefreshToken
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cred, err := m.api.Refresh(ctx, refreshToken)
	if err == nil {
		m.mu.Lock()
		m.cred = cred
		m.refreshing = false
		m.scheduleRefreshLocked()
		m.mu.Unlock()

		if saveErr := m.store.Save(cred); saveErr != nil {
			m.log.WithError(saveErr).Warn("failed to persist refreshed credential")
		}
		m.log.Info("access token refreshed")
		return true
	}

	m.log.WithError(err).Warn("token refresh failed, falling back to full login")

	m.mu.Lock()
	m.cred = nil
	m.refreshing = false
	m.mu.Unlock()
	if clearErr := m.store.Clear(); clearErr != nil {
		m.log.WithError(clearErr).Warn("failed to clear credential file")
	}

	return m.login(ctx)
}

// Logout invalidates the session server-side on a best-effort basis and
// always clears local state, including the scheduled refresh.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	cred := m.cred
	m.cred = nil
	m.identity = nil
	m.loggedOut = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()

	if cred != nil {
		if err := m.api.Logout(ctx, cred.AccessToken); err != nil {
			m.log.WithError(err).Warn("server-side logout failed")
		}
	}

	if err := m.store.Clear(); err != nil {
		m.log.WithError(err).Warn("failed to clear credential file")
	}
	m.log.Info("logged out")
}

// Identity returns the cached identity snapshot, nil before login and
// after logout.
func (m *Manager) Identity() *domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// login performs a full login and installs the result. Network errors are
// swallowed into a boolean, the caller decides whether to retry.
func (m *Manager) login(ctx context.Context) bool {
	m.mu.Lock()
	if m.loggedOut {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	cred, identity, err := m.api.Login(ctx, m.account.Email, m.account.Password)
	if err != nil {
		m.log.WithError(err).Warn("login failed")
		return false
	}

	m.mu.Lock()
	m.cred = cred
	m.identity = identity
	m.scheduleRefreshLocked()
	m.mu.Unlock()

	if saveErr := m.store.Save(cred); saveErr != nil {
		m.log.WithError(saveErr).Warn("failed to persist credential")
	}
	m.log.WithField("user", identity.DisplayName).Info("logged in")
	return true
}

// scheduleRefreshLocked arms the proactive refresh timer for the current
// credential. Callers hold m.mu.
func (m *Manager) scheduleRefreshLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	if m.cred == nil || m.loggedOut {
		return
	}

	delay := m.cred.TimeToExpiry(time.Now()) - proactiveLead
	if delay < time.Second {
		delay = time.Second
	}

	m.refreshTimer = time.AfterFunc(delay, func() {
		m.Refresh()
	})
}
