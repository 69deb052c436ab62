package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoAccount means no interactive login ever established this identity.
	ErrNoAccount = errors.New("no account for identity")

	// ErrCredentialsInvalid means the stored credentials no longer work (or
	// the account is already broken); only a fresh interactive login helps.
	ErrCredentialsInvalid = errors.New("upstream credentials invalid, interactive login required")

	// ErrSessionUnrecoverable means a re-login succeeded but the upstream
	// still rejected the retried call.
	ErrSessionUnrecoverable = errors.New("upstream session unrecoverable")
)

// Orchestrator wraps upstream data calls with bounded re-login recovery: at
// most one re-login and at most one retry per outer call. Concurrent callers
// for the same identity share a single in-flight re-login.
type Orchestrator struct {
	accounts *AccountStore
	client   *Client
	logger   *slog.Logger
	relogins singleflight.Group

	// OnBroken, when set, is invoked after an account transitions to
	// BROKEN_NEEDS_USER so interested transports can notify their clients.
	OnBroken func(identity string, cause error)
}

// NewOrchestrator constructs the re-login orchestrator.
func NewOrchestrator(accounts *AccountStore, client *Client, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{accounts: accounts, client: client, logger: logger}
}

// CallWithRelogin fetches account data for the identity's depot, transparently
// recovering from an expired upstream session exactly once.
func (o *Orchestrator) CallWithRelogin(ctx context.Context, identity, depotID string) (json.RawMessage, error) {
	acct, ok := o.accounts.Get(identity)
	if !ok {
		return nil, ErrNoAccount
	}
	if acct.Status == StatusBrokenNeedsUser {
		// Short-circuit: retrying stored credentials against a broken account
		// would only hammer the upstream login endpoint.
		return nil, fmt.Errorf("%w: account is broken", ErrCredentialsInvalid)
	}

	payload, err := o.client.FetchAccount(ctx, acct.Session, depotID)
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, ErrUnauthorized) {
		// Transient failure: the session itself was not rejected, so no
		// re-login and no status change.
		return nil, err
	}

	o.logger.Info("upstream session rejected, attempting re-login", "identity", identity)
	session, err := o.relogin(ctx, identity)
	if err != nil {
		o.markBroken(identity, err)
		return nil, fmt.Errorf("%w: %v", ErrCredentialsInvalid, err)
	}

	payload, err = o.client.FetchAccount(ctx, session, depotID)
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, ErrUnauthorized):
		o.markBroken(identity, ErrSessionUnrecoverable)
		return nil, ErrSessionUnrecoverable
	default:
		return nil, err
	}
}

// relogin performs one credential login for the identity and installs the new
// session in the account store before returning. singleflight serializes
// concurrent callers so a burst of rejected calls produces one upstream login.
func (o *Orchestrator) relogin(ctx context.Context, identity string) (string, error) {
	v, err, _ := o.relogins.Do(identity, func() (any, error) {
		acct, ok := o.accounts.Get(identity)
		if !ok {
			return "", ErrNoAccount
		}
		res, err := o.client.Login(ctx, acct.Username, acct.Credential)
		if err != nil {
			return "", err
		}
		if res.Identity != identity {
			return "", fmt.Errorf("re-login returned identity %q, expected %q", res.Identity, identity)
		}
		o.accounts.UpdateSession(identity, res)
		o.logger.Info("upstream re-login succeeded", "identity", identity)
		return res.Session, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (o *Orchestrator) markBroken(identity string, cause error) {
	o.accounts.MarkBroken(identity)
	o.logger.Warn("account marked broken, interactive login required",
		"identity", identity, "cause", cause)
	if o.OnBroken != nil {
		o.OnBroken(identity, cause)
	}
}
