// Package memory provides an in-memory Store for tests and demos.
// All conditional updates happen under one mutex, which gives the same
// atomicity guarantees the SQL backends get from conditional UPDATEs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	plans  map[string]*plan.Plan
	grants map[string]*grant.Grant
}

func New() *Store {
	return &Store{
		plans:  make(map[string]*plan.Plan),
		grants: make(map[string]*grant.Grant),
	}
}

// ==================== Plan catalog ====================

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return clonePlan(p), nil
	}
	return nil, entitle.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Slug == slug {
			return clonePlan(p), nil
		}
	}
	return nil, entitle.ErrPlanNotFound
}

func (s *Store) FindFreePlan(_ context.Context) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *plan.Plan
	for _, p := range s.plans {
		if p.Status != plan.StatusActive || !p.IsFree() {
			continue
		}
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			newest = p
		}
	}
	if newest == nil {
		return nil, entitle.ErrNoFreePlan
	}
	return clonePlan(newest), nil
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0)
	for _, p := range s.plans {
		if opts.Status == "" || p.Status == opts.Status {
			result = append(result, clonePlan(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func (s *Store) ArchivePlan(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.plans[planID.String()]; exists {
		p.Status = plan.StatusArchived
		p.Touch()
		return nil
	}
	return entitle.ErrPlanNotFound
}

// ==================== Grants ====================

func (s *Store) CreateGrant(_ context.Context, g *grant.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[g.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	s.grants[g.ID.String()] = cloneGrant(g)
	return nil
}

func (s *Store) EnsureGrant(_ context.Context, g *grant.Grant, now time.Time) (*grant.Grant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Natural-key check and insert under one lock: the idempotent-create
	// equivalent of the SQL backends' partial unique index.
	for _, existing := range s.grants {
		if existing.UserID == g.UserID && existing.PlanID == g.PlanID && existing.Selectable(now) {
			return cloneGrant(existing), false, nil
		}
	}
	s.grants[g.ID.String()] = cloneGrant(g)
	return cloneGrant(g), true, nil
}

func (s *Store) GetGrant(_ context.Context, grantID id.GrantID) (*grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if g, ok := s.grants[grantID.String()]; ok {
		return cloneGrant(g), nil
	}
	return nil, entitle.ErrGrantNotFound
}

func (s *Store) ListGrants(_ context.Context, userID string) ([]*grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*grant.Grant, 0)
	for _, g := range s.grants {
		if g.UserID == userID {
			result = append(result, cloneGrant(g))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *Store) ListSelectableGrants(_ context.Context, userID string, now time.Time) ([]*grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*grant.Grant, 0)
	for _, g := range s.grants {
		if g.UserID == userID && g.Selectable(now) {
			result = append(result, cloneGrant(g))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *Store) ConsumeCredit(_ context.Context, grantID id.GrantID, c plan.Category, now time.Time) (*grant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID.String()]
	if !ok {
		return nil, entitle.ErrGrantNotFound
	}
	if !g.Selectable(now) {
		return nil, entitle.ErrGrantNotSelectable
	}

	bal := g.Balances.Get(c)
	if bal <= 0 {
		return nil, entitle.ErrAlreadyExhausted
	}
	g.Balances = g.Balances.Set(c, bal-1)
	g.Touch()
	return cloneGrant(g), nil
}

func (s *Store) AdjustBalances(_ context.Context, grantID id.GrantID, d grant.Deltas, limits plan.Limits) (*grant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID.String()]
	if !ok {
		return nil, entitle.ErrGrantNotFound
	}
	for _, c := range plan.Categories() {
		next := g.Balances.Get(c) + d.Get(c)
		if next < 0 {
			next = 0
		}
		if limit := limits.Get(c); next > limit {
			next = limit
		}
		g.Balances = g.Balances.Set(c, next)
	}
	g.Touch()
	return cloneGrant(g), nil
}

func (s *Store) DeactivateGrant(_ context.Context, grantID id.GrantID) (*grant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID.String()]
	if !ok {
		return nil, entitle.ErrGrantNotFound
	}
	g.Active = false
	g.Touch()
	return cloneGrant(g), nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// ==================== Helpers ====================

func sortNewestFirst(grants []*grant.Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].CreatedAt.After(grants[j].CreatedAt)
		}
		// K-sortable TypeIDs make this a stable creation-order tiebreak.
		return strings.Compare(grants[i].ID.String(), grants[j].ID.String()) > 0
	})
}

func clonePlan(p *plan.Plan) *plan.Plan {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneGrant(g *grant.Grant) *grant.Grant {
	cg := *g
	if g.Metadata != nil {
		cg.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			cg.Metadata[k] = v
		}
	}
	return &cg
}
