package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
	"github.com/stratum-cloud/stratum/pkg/telemetry"
)

type registryKey struct {
	platform string
	rtype    resources.ResourceType
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// RateLimit is the sustained calls per second per platform. Zero disables limiting.
	RateLimit float64

	// Burst is the number of calls allowed at once. Defaults to 1.
	Burst int

	// Telemetry records driver spans and metrics. Nil disables them.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger
}

// Registry dispatches driver calls to the provisioner registered for the
// (platform, resource type) of the request. Calls are rate limited per
// platform and instrumented.
type Registry struct {
	// mu protects provisioners and limiters.
	mu sync.RWMutex

	provisioners map[registryKey]Provisioner

	// limiters holds one token bucket per platform.
	limiters map[string]*rate.Limiter

	limit  rate.Limit
	burst  int
	tel    *telemetry.Telemetry
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Registry{
		provisioners: make(map[registryKey]Provisioner),
		limiters:     make(map[string]*rate.Limiter),
		limit:        limit,
		burst:        burst,
		tel:          tel,
		logger:       opts.Logger.With().Str("component", "driver").Logger(),
	}
}

// Register binds a provisioner to a platform and resource type.
func (r *Registry) Register(platform string, rt resources.ResourceType, p Provisioner) error {
	if platform == "" || rt == "" {
		return fmt.Errorf("platform and resource type are required")
	}
	if p == nil {
		return fmt.Errorf("provisioner is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{platform: platform, rtype: rt}
	if _, exists := r.provisioners[key]; exists {
		return fmt.Errorf("driver for %s/%s already registered", platform, rt)
	}
	r.provisioners[key] = p
	if _, ok := r.limiters[platform]; !ok {
		r.limiters[platform] = rate.NewLimiter(r.limit, r.burst)
	}

	r.logger.Debug().Str("platform", platform).Str("type", string(rt)).Msg("driver registered")
	return nil
}

// Lookup returns the provisioner for a platform and resource type. An
// unsupported combination is a permanent validation error.
func (r *Registry) Lookup(platform string, rt resources.ResourceType) (Provisioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.provisioners[registryKey{platform: platform, rtype: rt}]
	if !ok {
		return nil, engine.NewValidationError(
			fmt.Sprintf("resource type %s is not supported on platform %s", rt, platform), nil)
	}
	return p, nil
}

// Platforms returns the platforms with at least one driver, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.limiters))
	for platform := range r.limiters {
		out = append(out, platform)
	}
	sort.Strings(out)
	return out
}

// Provision creates a cloud object through the matching provisioner.
func (r *Registry) Provision(ctx context.Context, spec ProvisionSpec) (*resources.Handle, error) {
	p, err := r.Lookup(spec.Platform, spec.Type)
	if err != nil {
		return nil, err
	}

	var handle *resources.Handle
	err = r.call(ctx, spec.Platform, "provision", func(ctx context.Context) error {
		var err error
		handle, err = p.Provision(ctx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	if handle == nil || handle.IsZero() {
		return nil, engine.NewPermanentError("driver returned an empty handle", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(spec.ResourceID)
	}
	return handle, nil
}

// Deprovision removes a cloud object through the matching provisioner.
func (r *Registry) Deprovision(ctx context.Context, handle resources.Handle) error {
	p, err := r.Lookup(handle.Platform, handle.Type)
	if err != nil {
		return err
	}
	return r.call(ctx, handle.Platform, "deprovision", func(ctx context.Context) error {
		return p.Deprovision(ctx, handle)
	})
}

// Validate checks a spec through the matching provisioner.
func (r *Registry) Validate(ctx context.Context, spec ProvisionSpec) error {
	p, err := r.Lookup(spec.Platform, spec.Type)
	if err != nil {
		return err
	}
	return r.call(ctx, spec.Platform, "validate", func(ctx context.Context) error {
		return p.Validate(ctx, spec)
	})
}

func (r *Registry) call(ctx context.Context, platform, op string, fn func(context.Context) error) error {
	if err := r.wait(ctx, platform); err != nil {
		return err
	}

	err := r.tel.RecordDriverOperation(ctx, platform, op, fn)
	if err != nil {
		r.logger.Debug().Err(err).Str("platform", platform).Str("operation", op).Msg("driver call failed")
	}
	return err
}

func (r *Registry) wait(ctx context.Context, platform string) error {
	r.mu.RLock()
	limiter := r.limiters[platform]
	r.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The wait would outlast the context deadline.
		return engine.NewThrottledError(fmt.Sprintf("driver rate limit for %s", platform), err).
			WithCode(engine.ErrCodeRateLimited)
	}
	return nil
}
