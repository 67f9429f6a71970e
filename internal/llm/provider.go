package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProviderManager fronts several providers with pacing, circuit breaking
// and failover. It implements Provider itself.
type ProviderManager struct {
	providers []*managedProvider
	current   int
	limiter   *rate.Limiter
	mu        sync.RWMutex
	logger    *zap.Logger
}

type managedProvider struct {
	name     string
	provider Provider
	priority int // lower = higher priority
	enabled  bool
	breaker  *gobreaker.CircuitBreaker[*Response]
	lastErr  string
	lastUsed time.Time
}

// ManagerOptions tunes pacing and breaking
type ManagerOptions struct {
	RequestsPerMinute int
	BreakerFailures   int
	BreakerTimeout    time.Duration
}

// NewProviderManager creates a new provider manager
func NewProviderManager(opts ManagerOptions, logger *zap.Logger) *ProviderManager {
	pm := &ProviderManager{logger: logger}
	if opts.RequestsPerMinute > 0 {
		rps := float64(opts.RequestsPerMinute) / 60.0
		burst := opts.RequestsPerMinute / 10
		if burst < 1 {
			burst = 1
		}
		pm.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return pm
}

// AddProvider adds a provider to the manager
func (pm *ProviderManager) AddProvider(p Provider, priority int, opts ManagerOptions) {
	failures := uint32(opts.BreakerFailures)
	if failures == 0 {
		failures = 5
	}
	timeout := opts.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    p.Name(),
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			pm.logger.Warn("Provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.providers = append(pm.providers, &managedProvider{
		name:     p.Name(),
		provider: p,
		priority: priority,
		enabled:  true,
		breaker:  breaker,
	})
	sort.SliceStable(pm.providers, func(i, j int) bool {
		return pm.providers[i].priority < pm.providers[j].priority
	})
}

func (pm *ProviderManager) Name() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if len(pm.providers) == 0 {
		return ""
	}
	return pm.providers[pm.current].name
}

func (pm *ProviderManager) Model() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if len(pm.providers) == 0 {
		return ""
	}
	return pm.providers[pm.current].provider.Model()
}

// errProviderFailed marks a failed Response so the breaker counts it.
var errProviderFailed = errors.New("provider returned error")

// tripsBreaker reports whether a failed response counts against the
// provider's circuit. Overflow and rate limits leave the circuit closed.
func tripsBreaker(r *Response) bool {
	return r.Failed() && !IsContextOverflow(r.ErrorMessage) && !IsRateLimit(r.StatusCode, r.ErrorMessage)
}

// Call tries providers in priority order. Context overflow is returned
// immediately since another provider with the same context would fail the
// same way; other failures fail over to the next healthy provider.
func (pm *ProviderManager) Call(ctx context.Context, c Context, tools []Tool, opts CallOptions) (*Response, error) {
	if pm.limiter != nil {
		if err := pm.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	pm.mu.RLock()
	providers := append([]*managedProvider(nil), pm.providers...)
	pm.mu.RUnlock()

	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	var last *Response
	for i, mp := range providers {
		if !mp.enabled {
			continue
		}

		resp, err := mp.breaker.Execute(func() (*Response, error) {
			r, err := mp.provider.Call(ctx, c, tools, opts)
			if err != nil {
				return nil, err
			}
			if tripsBreaker(r) {
				return r, errProviderFailed
			}
			return r, nil
		})

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			pm.logger.Debug("Skipping provider with open circuit", zap.String("provider", mp.name))
			continue
		}
		if err != nil && !errors.Is(err, errProviderFailed) {
			return nil, err
		}

		pm.mu.Lock()
		mp.lastUsed = time.Now()
		if resp.Failed() {
			mp.lastErr = resp.ErrorMessage
		} else {
			mp.lastErr = ""
			pm.current = pm.indexOf(mp)
		}
		pm.mu.Unlock()

		if !resp.Failed() || IsContextOverflow(resp.ErrorMessage) {
			if i > 0 {
				pm.logger.Info("Failover successful",
					zap.String("provider", mp.name),
					zap.Int("attempt", i+1),
				)
			}
			return resp, nil
		}

		last = resp
		pm.logger.Warn("Provider failed, trying next",
			zap.String("provider", mp.name),
			zap.Int("status", resp.StatusCode),
			zap.String("error", resp.ErrorMessage),
		)
	}

	if last == nil {
		return ErrorResponse("", 0, fmt.Errorf("all providers unavailable")), nil
	}
	return last, nil
}

func (pm *ProviderManager) indexOf(mp *managedProvider) int {
	for i, p := range pm.providers {
		if p == mp {
			return i
		}
	}
	return pm.current
}

// GetProviderStatus returns status of all providers
func (pm *ProviderManager) GetProviderStatus() []map[string]interface{} {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	status := make([]map[string]interface{}, 0, len(pm.providers))
	for _, p := range pm.providers {
		status = append(status, map[string]interface{}{
			"name":     p.name,
			"model":    p.provider.Model(),
			"enabled":  p.enabled,
			"priority": p.priority,
			"circuit":  p.breaker.State().String(),
			"healthy":  p.lastErr == "",
			"lastUsed": p.lastUsed,
		})
	}
	return status
}

// SetEnabled toggles a provider by name
func (pm *ProviderManager) SetEnabled(name string, enabled bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.providers {
		if p.name == name {
			p.enabled = enabled
			if enabled {
				p.lastErr = ""
			}
			break
		}
	}
}
