package upstream

import (
	"sync"
	"time"
)

// AccountStatus is the per-identity connectivity state machine.
type AccountStatus string

const (
	// StatusConnected means the stored session key was valid when last used.
	StatusConnected AccountStatus = "CONNECTED"

	// StatusBrokenNeedsUser means an automatic re-login failed. The state is
	// terminal until a fresh interactive login overwrites the account.
	StatusBrokenNeedsUser AccountStatus = "BROKEN_NEEDS_USER"
)

// Account is this system's record of one identity's upstream credentials,
// current session key, and connectivity status.
type Account struct {
	Identity         string
	Username         string
	Credential       string
	Session          string
	Depots           []string
	Status           AccountStatus
	FailedLoginCount int
	LastLoginAt      time.Time
}

// AccountStore is the single source of truth for whether an identity's
// upstream session is alive. Both writers (the login bridge and the re-login
// orchestrator) perform full overwrites of the session fields, never partial
// patches.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewAccountStore constructs an empty store.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]Account)}
}

// Upsert installs the account record produced by an interactive login,
// overwriting whatever was there. This is the only path out of
// BROKEN_NEEDS_USER.
func (s *AccountStore) Upsert(identity, username, credential string, res LoginResult) Account {
	acct := Account{
		Identity:    identity,
		Username:    username,
		Credential:  credential,
		Session:     res.Session,
		Depots:      append([]string(nil), res.Depots...),
		Status:      StatusConnected,
		LastLoginAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[identity] = acct
	return acct
}

// Get returns a copy of the account for identity.
func (s *AccountStore) Get(identity string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[identity]
	return acct, ok
}

// UpdateSession overwrites the session fields after a successful automatic
// re-login. Status stays CONNECTED.
func (s *AccountStore) UpdateSession(identity string, res LoginResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[identity]
	if !ok {
		return
	}
	acct.Session = res.Session
	acct.Depots = append([]string(nil), res.Depots...)
	acct.Status = StatusConnected
	acct.LastLoginAt = time.Now()
	s.accounts[identity] = acct
}

// MarkBroken flips the account to BROKEN_NEEDS_USER and counts the failure.
func (s *AccountStore) MarkBroken(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[identity]
	if !ok {
		return
	}
	acct.Status = StatusBrokenNeedsUser
	acct.FailedLoginCount++
	s.accounts[identity] = acct
}
