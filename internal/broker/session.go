package broker

import (
	"sync"
	"time"

	"order_pipeline/internal/core"
)

// outcome is one broker call result used for the rolling error rate.
type outcome struct {
	ts     time.Time
	failed bool
}

// Session is one authenticated (user, credential) pair bound to a
// broker connection. Health moves NEW -> AUTHENTICATING -> HEALTHY and
// degrades on sustained errors; auth failures past the limit expire the
// session until a caller re-adds it.
type Session struct {
	userID       string
	credentialID string
	brokerType   string
	binding      core.IBroker

	mu           sync.Mutex
	creds        core.Credentials
	tokens       core.Tokens
	refreshAt    time.Time
	health       core.SessionHealth
	authFails    int
	outcomes     []outcome
	pumping      bool
	lastActivity time.Time
	createdAt    time.Time
}

func newSession(userID, credentialID, brokerType string, binding core.IBroker, creds core.Credentials) *Session {
	now := time.Now()
	return &Session{
		userID:       userID,
		credentialID: credentialID,
		brokerType:   brokerType,
		binding:      binding,
		creds:        creds,
		health:       core.SessionNew,
		lastActivity: now,
		createdAt:    now,
	}
}

// Key is the registry key, "{user}:{credential}".
func (s *Session) Key() string {
	return s.userID + ":" + s.credentialID
}

// Info returns a point-in-time snapshot for read-only listing.
func (s *Session) Info() core.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.SessionInfo{
		UserID:       s.userID,
		CredentialID: s.credentialID,
		BrokerType:   s.brokerType,
		Health:       s.health,
		ErrorCount:   s.authFails,
		LastActivity: s.lastActivity,
		CreatedAt:    s.createdAt,
	}
}

// Health returns the current lifecycle state.
func (s *Session) Health() core.SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Tokens returns the current auth material.
func (s *Session) Tokens() core.Tokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// replaceCreds swaps in a fresh credential set for re-onboarding.
func (s *Session) replaceCreds(creds core.Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
}

func (s *Session) currentCreds() core.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// startPumping flips the pump flag, reporting whether this caller owns
// the start.
func (s *Session) startPumping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pumping {
		return false
	}
	s.pumping = true
	return true
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// setTokens installs fresh auth material and schedules the proactive
// refresh at refreshPct percent of the token lifetime.
func (s *Session) setTokens(tokens core.Tokens, refreshPct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	if !tokens.ExpiresAt.IsZero() {
		life := time.Until(tokens.ExpiresAt)
		s.refreshAt = tokens.ExpiresAt.Add(-life * time.Duration(100-refreshPct) / 100)
	}
}

func (s *Session) refreshDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshAt.IsZero() {
		return false
	}
	return time.Now().After(s.refreshAt)
}

func (s *Session) markAuthenticating() {
	s.mu.Lock()
	s.health = core.SessionAuthenticating
	s.mu.Unlock()
}

// recordAuthSuccess resets the consecutive failure counter and restores
// HEALTHY.
func (s *Session) recordAuthSuccess() {
	s.mu.Lock()
	s.authFails = 0
	s.health = core.SessionHealthy
	s.mu.Unlock()
}

// recordAuthFailure counts one failed authentication attempt. Hitting
// the limit expires the session.
func (s *Session) recordAuthFailure(limit int) core.SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFails++
	if s.authFails >= limit {
		s.health = core.SessionExpired
	} else {
		s.health = core.SessionError
	}
	return s.health
}

// recordOutcome feeds one broker call result into the rolling window
// and recomputes HEALTHY vs DEGRADED. Terminal lifecycle states are
// left alone.
func (s *Session) recordOutcome(failed bool, window time.Duration, ratePct int) core.SessionHealth {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes = append(s.outcomes, outcome{ts: now, failed: failed})
	cutoff := now.Add(-window)
	kept := s.outcomes[:0]
	var failures int
	for _, o := range s.outcomes {
		if o.ts.Before(cutoff) {
			continue
		}
		kept = append(kept, o)
		if o.failed {
			failures++
		}
	}
	s.outcomes = kept

	if s.health != core.SessionHealthy && s.health != core.SessionDegraded {
		return s.health
	}
	if len(s.outcomes) > 0 && failures*100 > ratePct*len(s.outcomes) {
		s.health = core.SessionDegraded
	} else {
		s.health = core.SessionHealthy
	}
	return s.health
}

// healthLevel maps lifecycle states onto the session gauge scale
// (0=healthy through 4=expired).
func healthLevel(h core.SessionHealth) int64 {
	switch h {
	case core.SessionHealthy:
		return 0
	case core.SessionDegraded:
		return 1
	case core.SessionNew, core.SessionAuthenticating:
		return 2
	case core.SessionError:
		return 3
	case core.SessionExpired:
		return 4
	default:
		return 3
	}
}
