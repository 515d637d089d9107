// Package fallback is the degraded-mode resolver: every remote call site
// runs under a bounded timeout and a declared policy, so the behavior when
// the store is unreachable is decided in one place instead of per screen.
package fallback

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Policy names the fallback strategy a call site declares.
type Policy int

const (
	// Critical writes (presence transitions, activity appends) surface
	// their classified failure to the caller and are never dropped.
	Critical Policy = iota
	// BestEffort calls (token registration, profile auto-provisioning,
	// change-feed publish) swallow failures after logging them.
	BestEffort
	// AuthGating reads (role lookup, duplicate-guard lookup) use a short
	// timeout and return the classified failure so the caller can take its
	// own local fallback without blocking the flow.
	AuthGating
)

func (p Policy) String() string {
	switch p {
	case Critical:
		return "critical"
	case BestEffort:
		return "best-effort"
	case AuthGating:
		return "auth-gating"
	default:
		return "unknown"
	}
}

// Site identifies one remote call site and the policy it declared.
type Site struct {
	Name   string
	Policy Policy
}

// Failure is a classified remote-call failure routed per the site's policy.
type Failure struct {
	Kind Kind
	Site string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %v", f.Site, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Resolver applies a per-policy timeout and failure routing to remote calls.
type Resolver struct {
	criticalTimeout   time.Duration
	bestEffortTimeout time.Duration
	authGatingTimeout time.Duration
}

func NewResolver(critical, bestEffort, authGating time.Duration) *Resolver {
	if critical <= 0 {
		critical = 5 * time.Second
	}
	if bestEffort <= 0 {
		bestEffort = 10 * time.Second
	}
	if authGating <= 0 {
		authGating = 3 * time.Second
	}
	return &Resolver{
		criticalTimeout:   critical,
		bestEffortTimeout: bestEffort,
		authGatingTimeout: authGating,
	}
}

func (r *Resolver) timeout(policy Policy) time.Duration {
	switch policy {
	case BestEffort:
		return r.bestEffortTimeout
	case AuthGating:
		return r.authGatingTimeout
	default:
		return r.criticalTimeout
	}
}

// Do runs fn under the site's timeout. On failure the error is classified;
// BestEffort sites log and return nil, every other site returns a *Failure.
func (r *Resolver) Do(ctx context.Context, site Site, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout(site.Policy))
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}

	kind := Classify(err)
	if site.Policy == BestEffort {
		log.Printf("%s failed (%s), dropped per best-effort policy: %v", site.Name, kind, err)
		return nil
	}
	return &Failure{Kind: kind, Site: site.Name, Err: err}
}
