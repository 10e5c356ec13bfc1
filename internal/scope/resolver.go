package scope

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

const defaultRegistryTTL = 5 * time.Minute

// Deny reasons reported on an empty Result.
const (
	ReasonNoRequestedCodes  = "no_requested_codes"
	ReasonNoIdentity        = "no_identity"
	ReasonRegistryMissing   = "registry_unavailable"
	ReasonIdentityUnknown   = "identity_not_registered"
	ReasonNoOverlap         = "no_overlap"
	ReasonUnsafePassThrough = "unsafe_override"
)

// Result is the resolved scope. Codes is empty when access is denied.
type Result struct {
	Codes  []string
	Reason string
}

func (r Result) Empty() bool { return len(r.Codes) == 0 }

type Options struct {
	// AllowUnsafe passes requested codes through when identity or registry
	// data is unavailable.
	AllowUnsafe bool
	TTL         time.Duration
}

// Resolver is the single authorization boundary: it turns identity plus
// requested codes into the authorized scope.
type Resolver struct {
	source Source
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	group    singleflight.Group
	mu       sync.RWMutex
	registry Registry
	loadedAt time.Time
}

// NewResolver builds a Resolver. A nil source means no registry is configured.
func NewResolver(source Source, opts Options, logger *slog.Logger) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = defaultRegistryTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, opts: opts, logger: logger, now: time.Now}
}

func (r *Resolver) Resolve(ctx context.Context, identity string, requested []string) Result {
	codes := NormalizeCodes(requested...)
	if len(codes) == 0 {
		return Result{Reason: ReasonNoRequestedCodes}
	}

	identity = strings.TrimSpace(identity)
	if identity == "" {
		if r.opts.AllowUnsafe {
			r.logger.Error("scope: unsafe override, passing requested codes without identity", "codes", codes)
			return Result{Codes: codes, Reason: ReasonUnsafePassThrough}
		}
		r.logger.Warn("scope: denied, no identity", "codes", codes)
		return Result{Reason: ReasonNoIdentity}
	}

	reg, err := r.loadRegistry(ctx)
	if err != nil || reg == nil {
		if r.opts.AllowUnsafe {
			r.logger.Error("scope: unsafe override, registry unavailable", "identity", identity, "err", err)
			return Result{Codes: codes, Reason: ReasonUnsafePassThrough}
		}
		r.logger.Warn("scope: denied, registry unavailable", "identity", identity, "err", err)
		return Result{Reason: ReasonRegistryMissing}
	}

	allowed, ok := reg.Allowed(identity)
	if !ok {
		r.logger.Warn("scope: denied, identity not registered", "identity", identity)
		return Result{Reason: ReasonIdentityUnknown}
	}
	if lo.Contains(allowed, Wildcard) {
		return Result{Codes: codes}
	}
	granted := lo.Filter(codes, func(c string, _ int) bool { return lo.Contains(allowed, c) })
	if len(granted) == 0 {
		r.logger.Warn("scope: denied, no overlap", "identity", identity, "requested", codes)
		return Result{Reason: ReasonNoOverlap}
	}
	return Result{Codes: granted}
}

// loadRegistry serves the cached registry, reloading it after the TTL. A
// failed load is not cached.
func (r *Resolver) loadRegistry(ctx context.Context) (Registry, error) {
	if r.source == nil {
		return nil, nil
	}
	r.mu.RLock()
	if r.registry != nil && r.now().Sub(r.loadedAt) < r.opts.TTL {
		reg := r.registry
		r.mu.RUnlock()
		return reg, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("registry", func() (any, error) {
		reg, err := r.source.Load(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.registry = reg
		r.loadedAt = r.now()
		r.mu.Unlock()
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Registry), nil
}
