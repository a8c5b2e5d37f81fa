package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                []OnInit
	onShutdown            []OnShutdown
	onPlanCreated         []OnPlanCreated
	onPlanArchived        []OnPlanArchived
	onGrantCreated        []OnGrantCreated
	onGrantExhausted      []OnGrantExhausted
	onGrantDeactivated    []OnGrantDeactivated
	onFallbackProvisioned []OnFallbackProvisioned
	onBalanceAdjusted     []OnBalanceAdjusted
	onEntitlementResolved []OnEntitlementResolved
	onEntitlementDenied   []OnEntitlementDenied
	onCreditCommitted     []OnCreditCommitted
	onOverdraftPrevented  []OnOverdraftPrevented
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
	}
	if v, ok := p.(OnPlanArchived); ok {
		r.onPlanArchived = append(r.onPlanArchived, v)
	}
	if v, ok := p.(OnGrantCreated); ok {
		r.onGrantCreated = append(r.onGrantCreated, v)
	}
	if v, ok := p.(OnGrantExhausted); ok {
		r.onGrantExhausted = append(r.onGrantExhausted, v)
	}
	if v, ok := p.(OnGrantDeactivated); ok {
		r.onGrantDeactivated = append(r.onGrantDeactivated, v)
	}
	if v, ok := p.(OnFallbackProvisioned); ok {
		r.onFallbackProvisioned = append(r.onFallbackProvisioned, v)
	}
	if v, ok := p.(OnBalanceAdjusted); ok {
		r.onBalanceAdjusted = append(r.onBalanceAdjusted, v)
	}
	if v, ok := p.(OnEntitlementResolved); ok {
		r.onEntitlementResolved = append(r.onEntitlementResolved, v)
	}
	if v, ok := p.(OnEntitlementDenied); ok {
		r.onEntitlementDenied = append(r.onEntitlementDenied, v)
	}
	if v, ok := p.(OnCreditCommitted); ok {
		r.onCreditCommitted = append(r.onCreditCommitted, v)
	}
	if v, ok := p.(OnOverdraftPrevented); ok {
		r.onOverdraftPrevented = append(r.onOverdraftPrevented, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnPlanCreated)(nil)).Elem(), "OnPlanCreated")
	checkInterface(reflect.TypeOf((*OnGrantCreated)(nil)).Elem(), "OnGrantCreated")
	checkInterface(reflect.TypeOf((*OnGrantExhausted)(nil)).Elem(), "OnGrantExhausted")
	checkInterface(reflect.TypeOf((*OnFallbackProvisioned)(nil)).Elem(), "OnFallbackProvisioned")
	checkInterface(reflect.TypeOf((*OnEntitlementResolved)(nil)).Elem(), "OnEntitlementResolved")
	checkInterface(reflect.TypeOf((*OnEntitlementDenied)(nil)).Elem(), "OnEntitlementDenied")
	checkInterface(reflect.TypeOf((*OnCreditCommitted)(nil)).Elem(), "OnCreditCommitted")
	checkInterface(reflect.TypeOf((*OnOverdraftPrevented)(nil)).Elem(), "OnOverdraftPrevented")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitPlanCreated emits a plan created event.
func (r *Registry) EmitPlanCreated(ctx context.Context, plan interface{}) {
	r.mu.RLock()
	plugins := r.onPlanCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPlanCreated(ctx, plan)
		}); err != nil {
			r.logger.Warn("plugin OnPlanCreated failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitPlanArchived emits a plan archived event.
func (r *Registry) EmitPlanArchived(ctx context.Context, planID string) {
	r.mu.RLock()
	plugins := r.onPlanArchived
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnPlanArchived(ctx, planID)
		}); err != nil {
			r.logger.Warn("plugin OnPlanArchived failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitGrantCreated emits a grant created event.
func (r *Registry) EmitGrantCreated(ctx context.Context, grant interface{}) {
	r.mu.RLock()
	plugins := r.onGrantCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnGrantCreated(ctx, grant)
		}); err != nil {
			r.logger.Warn("plugin OnGrantCreated failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitGrantExhausted emits a grant exhausted event.
func (r *Registry) EmitGrantExhausted(ctx context.Context, grant interface{}) {
	r.mu.RLock()
	plugins := r.onGrantExhausted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnGrantExhausted(ctx, grant)
		}); err != nil {
			r.logger.Warn("plugin OnGrantExhausted failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitGrantDeactivated emits a grant deactivated event.
func (r *Registry) EmitGrantDeactivated(ctx context.Context, grantID string) {
	r.mu.RLock()
	plugins := r.onGrantDeactivated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnGrantDeactivated(ctx, grantID)
		}); err != nil {
			r.logger.Warn("plugin OnGrantDeactivated failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitFallbackProvisioned emits a fallback provisioned event.
func (r *Registry) EmitFallbackProvisioned(ctx context.Context, userID string, freeGrant interface{}) {
	r.mu.RLock()
	plugins := r.onFallbackProvisioned
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnFallbackProvisioned(ctx, userID, freeGrant)
		}); err != nil {
			r.logger.Warn("plugin OnFallbackProvisioned failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitBalanceAdjusted emits a balance adjusted event.
func (r *Registry) EmitBalanceAdjusted(ctx context.Context, grant interface{}) {
	r.mu.RLock()
	plugins := r.onBalanceAdjusted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnBalanceAdjusted(ctx, grant)
		}); err != nil {
			r.logger.Warn("plugin OnBalanceAdjusted failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitEntitlementResolved emits an entitlement resolved event.
func (r *Registry) EmitEntitlementResolved(ctx context.Context, userID, category, grantID string) {
	r.mu.RLock()
	plugins := r.onEntitlementResolved
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEntitlementResolved(ctx, userID, category, grantID)
		}); err != nil {
			r.logger.Warn("plugin OnEntitlementResolved failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitEntitlementDenied emits an entitlement denied event.
func (r *Registry) EmitEntitlementDenied(ctx context.Context, userID, category string) {
	r.mu.RLock()
	plugins := r.onEntitlementDenied
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEntitlementDenied(ctx, userID, category)
		}); err != nil {
			r.logger.Warn("plugin OnEntitlementDenied failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitCreditCommitted emits a credit committed event.
func (r *Registry) EmitCreditCommitted(ctx context.Context, grantID, category string, remaining int64) {
	r.mu.RLock()
	plugins := r.onCreditCommitted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCreditCommitted(ctx, grantID, category, remaining)
		}); err != nil {
			r.logger.Warn("plugin OnCreditCommitted failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitOverdraftPrevented emits an overdraft prevented event.
func (r *Registry) EmitOverdraftPrevented(ctx context.Context, grantID, category string) {
	r.mu.RLock()
	plugins := r.onOverdraftPrevented
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnOverdraftPrevented(ctx, grantID, category)
		}); err != nil {
			r.logger.Warn("plugin OnOverdraftPrevented failed", "plugin", p.Name(), "error", err)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the entitlement pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
