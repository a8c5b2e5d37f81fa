package entitle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
)

func newTestService(t *testing.T) (*entitle.Service, *memory.Store) {
	t.Helper()

	st := memory.New()
	svc := entitle.New(st, entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	return svc, st
}

func seedFreePlan(t *testing.T, svc *entitle.Service) *plan.Plan {
	t.Helper()

	p := &plan.Plan{
		Name:         "Free",
		Slug:         "free",
		Price:        entitle.USD(0),
		FreeTier:     true,
		ValidityDays: 365,
		Limits:       plan.Limits{Interview: 3, Assessment: 5, DocumentUpload: 10},
	}
	if err := svc.CreatePlan(context.Background(), p); err != nil {
		t.Fatalf("CreatePlan(free) error = %v", err)
	}
	return p
}

func seedPaidPlan(t *testing.T, svc *entitle.Service, limits plan.Limits) *plan.Plan {
	t.Helper()

	p := &plan.Plan{
		Name:         "Pro",
		Slug:         "pro",
		Price:        entitle.USD(4900),
		ValidityDays: 30,
		Limits:       limits,
	}
	if err := svc.CreatePlan(context.Background(), p); err != nil {
		t.Fatalf("CreatePlan(pro) error = %v", err)
	}
	return p
}

func TestCreatePlan_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		plan *plan.Plan
	}{
		{"empty name", &plan.Plan{ValidityDays: 30, Limits: plan.Limits{Interview: 1}}},
		{"zero validity", &plan.Plan{Name: "P", Limits: plan.Limits{Interview: 1}}},
		{"negative limit", &plan.Plan{Name: "P", ValidityDays: 30, Limits: plan.Limits{Interview: -1}}},
		{"negative price", &plan.Plan{Name: "P", ValidityDays: 30, Price: entitle.USD(-100)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.CreatePlan(ctx, tt.plan); err == nil {
				t.Error("CreatePlan() expected error, got nil")
			}
		})
	}
}

func TestEnsureFreeGrant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	free := seedFreePlan(t, svc)

	t.Run("no free plan", func(t *testing.T) {
		empty, _ := newTestService(t)
		if _, err := empty.EnsureFreeGrant(ctx, "user-1"); !errors.Is(err, entitle.ErrNoFreePlan) {
			t.Errorf("EnsureFreeGrant() error = %v, want ErrNoFreePlan", err)
		}
	})

	t.Run("provisions full balances for one year", func(t *testing.T) {
		g, err := svc.EnsureFreeGrant(ctx, "user-1")
		if err != nil {
			t.Fatalf("EnsureFreeGrant() error = %v", err)
		}
		if g.Balances != grant.FromLimits(free.Limits) {
			t.Errorf("Balances = %+v, want full limits %+v", g.Balances, free.Limits)
		}
		wantEnd := time.Now().UTC().Add(365 * 24 * time.Hour)
		if diff := g.EndAt.Sub(wantEnd); diff < -time.Minute || diff > time.Minute {
			t.Errorf("EndAt = %v, want about one year out", g.EndAt)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		first, err := svc.EnsureFreeGrant(ctx, "user-2")
		if err != nil {
			t.Fatalf("EnsureFreeGrant() error = %v", err)
		}
		second, err := svc.EnsureFreeGrant(ctx, "user-2")
		if err != nil {
			t.Fatalf("EnsureFreeGrant() repeat error = %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("repeat provisioning created a second grant: %s != %s", first.ID, second.ID)
		}
	})

	t.Run("concurrent calls yield one grant", func(t *testing.T) {
		const callers = 20
		ids := make([]id.GrantID, callers)

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				g, err := svc.EnsureFreeGrant(ctx, "user-3")
				if err != nil {
					t.Errorf("EnsureFreeGrant() error = %v", err)
					return
				}
				ids[n] = g.ID
			}(i)
		}
		wg.Wait()

		for i := 1; i < callers; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("concurrent provisioning produced distinct grants: %s != %s", ids[i], ids[0])
			}
		}

		grants, err := svc.ListGrants(ctx, "user-3")
		if err != nil {
			t.Fatalf("ListGrants() error = %v", err)
		}
		if len(grants) != 1 {
			t.Errorf("grant count = %d, want 1", len(grants))
		}
	})
}

func TestResolve_Priority(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedFreePlan(t, svc)
	pro := seedPaidPlan(t, svc, plan.Limits{Interview: 10, Assessment: 20, DocumentUpload: 50})

	if _, err := svc.EnsureFreeGrant(ctx, "user-1"); err != nil {
		t.Fatalf("EnsureFreeGrant() error = %v", err)
	}
	paid, err := svc.PurchaseGrant(ctx, "user-1", pro.ID)
	if err != nil {
		t.Fatalf("PurchaseGrant() error = %v", err)
	}

	t.Run("paid outranks free", func(t *testing.T) {
		g, err := svc.Resolve(ctx, "user-1", plan.CategoryInterview)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if g.ID != paid.ID {
			t.Errorf("resolved grant = %s, want paid grant %s", g.ID, paid.ID)
		}
	})

	t.Run("newest paid outranks older paid", func(t *testing.T) {
		newer, err := svc.PurchaseGrant(ctx, "user-1", pro.ID)
		if err != nil {
			t.Fatalf("PurchaseGrant() error = %v", err)
		}
		g, err := svc.Resolve(ctx, "user-1", plan.CategoryInterview)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if g.ID != newer.ID {
			t.Errorf("resolved grant = %s, want newest paid grant %s", g.ID, newer.ID)
		}
	})

	t.Run("missing identity", func(t *testing.T) {
		if _, err := svc.Resolve(ctx, "", plan.CategoryInterview); !errors.Is(err, entitle.ErrUnauthenticated) {
			t.Errorf("Resolve() error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("no grants at all", func(t *testing.T) {
		_, err := svc.Resolve(ctx, "stranger", plan.CategoryInterview)
		if !errors.Is(err, entitle.ErrNoUsableEntitlement) {
			t.Fatalf("Resolve() error = %v, want ErrNoUsableEntitlement", err)
		}
		var denied entitle.DeniedError
		if !errors.As(err, &denied) || denied.Category != string(plan.CategoryInterview) {
			t.Errorf("denial detail = %+v, want category %s", denied, plan.CategoryInterview)
		}
	})
}

func TestResolve_ExpiredAndInactiveExcluded(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	free := seedFreePlan(t, svc)

	now := time.Now().UTC()
	expired := &grant.Grant{
		Entity:   entitle.NewEntity(),
		ID:       id.NewGrantID(),
		UserID:   "user-1",
		PlanID:   free.ID,
		StartAt:  now.Add(-48 * time.Hour),
		EndAt:    now.Add(-24 * time.Hour),
		Active:   true,
		Balances: grant.FromLimits(free.Limits),
	}
	if err := st.CreateGrant(ctx, expired); err != nil {
		t.Fatalf("CreateGrant(expired) error = %v", err)
	}

	if _, err := svc.Resolve(ctx, "user-1", plan.CategoryInterview); !errors.Is(err, entitle.ErrNoUsableEntitlement) {
		t.Errorf("Resolve() with only an expired grant: error = %v, want ErrNoUsableEntitlement", err)
	}

	live, err := svc.EnsureFreeGrant(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureFreeGrant() error = %v", err)
	}
	if live.ID == expired.ID {
		t.Fatal("EnsureFreeGrant() reused an expired grant")
	}

	if _, err := svc.DeactivateGrant(ctx, live.ID); err != nil {
		t.Fatalf("DeactivateGrant() error = %v", err)
	}
	if _, err := svc.Resolve(ctx, "user-1", plan.CategoryInterview); !errors.Is(err, entitle.ErrNoUsableEntitlement) {
		t.Errorf("Resolve() with only deactivated grants: error = %v, want ErrNoUsableEntitlement", err)
	}
}

func TestCommit_NoOverdraftUnderConcurrency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedFreePlan(t, svc)
	// Assessment balance stays positive so exhaustion of the interview
	// category alone never triggers the full-exhaustion fallback mid-race.
	pro := seedPaidPlan(t, svc, plan.Limits{Interview: 10, Assessment: 20, DocumentUpload: 50})

	paid, err := svc.PurchaseGrant(ctx, "user-1", pro.ID)
	if err != nil {
		t.Fatalf("PurchaseGrant() error = %v", err)
	}

	const commits = 50
	results := make([]error, commits)

	var wg sync.WaitGroup
	for i := 0; i < commits; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = svc.Commit(ctx, paid.ID, plan.CategoryInterview)
		}(i)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, entitle.ErrAlreadyExhausted):
			exhausted++
		default:
			t.Errorf("Commit() unexpected error = %v", err)
		}
	}
	if ok != 10 || exhausted != 40 {
		t.Errorf("commit outcomes = %d ok, %d exhausted; want 10 and 40", ok, exhausted)
	}

	g, err := svc.GetGrant(ctx, paid.ID)
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	if g.Balances.Interview != 0 {
		t.Errorf("final interview balance = %d, want 0", g.Balances.Interview)
	}
}

func TestCommit_FallbackToFreeTier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedFreePlan(t, svc)
	pro := seedPaidPlan(t, svc, plan.Limits{Interview: 1, Assessment: 0, DocumentUpload: 0})

	paid, err := svc.PurchaseGrant(ctx, "user-1", pro.ID)
	if err != nil {
		t.Fatalf("PurchaseGrant() error = %v", err)
	}

	if err := svc.Commit(ctx, paid.ID, plan.CategoryInterview); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// The exhausted paid grant is demoted and a free grant takes over.
	demoted, err := svc.GetGrant(ctx, paid.ID)
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	if demoted.Active {
		t.Error("exhausted paid grant still active after fallback")
	}
	if !demoted.Balances.AllZero() {
		t.Errorf("exhausted balances = %+v, want all zero kept for audit", demoted.Balances)
	}

	next, err := svc.Resolve(ctx, "user-1", plan.CategoryInterview)
	if err != nil {
		t.Fatalf("Resolve() after fallback error = %v", err)
	}
	if next.ID == paid.ID {
		t.Error("resolver picked the demoted paid grant")
	}
}

func TestCommit_StaleGrant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedFreePlan(t, svc)

	g, err := svc.EnsureFreeGrant(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureFreeGrant() error = %v", err)
	}
	if _, err := svc.DeactivateGrant(ctx, g.ID); err != nil {
		t.Fatalf("DeactivateGrant() error = %v", err)
	}

	if err := svc.Commit(ctx, g.ID, plan.CategoryInterview); !errors.Is(err, entitle.ErrGrantNotSelectable) {
		t.Errorf("Commit() on deactivated grant: error = %v, want ErrGrantNotSelectable", err)
	}
}

func TestReport(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedFreePlan(t, svc)

	t.Run("no grants", func(t *testing.T) {
		r, err := svc.Report(ctx, "stranger")
		if err != nil {
			t.Fatalf("Report() error = %v", err)
		}
		if r.HasUsableEntitlement {
			t.Error("HasUsableEntitlement = true for user with no grants")
		}
		if r.Selected != nil {
			t.Errorf("Selected = %+v, want nil", r.Selected)
		}
	})

	t.Run("fresh free grant", func(t *testing.T) {
		if _, err := svc.EnsureFreeGrant(ctx, "user-1"); err != nil {
			t.Fatalf("EnsureFreeGrant() error = %v", err)
		}
		r, err := svc.Report(ctx, "user-1")
		if err != nil {
			t.Fatalf("Report() error = %v", err)
		}
		if !r.HasUsableEntitlement {
			t.Error("HasUsableEntitlement = false, want true")
		}
		iv := r.Usage[plan.CategoryInterview]
		if iv.Display != "0/3" || !iv.CanUse || iv.Remaining != 3 {
			t.Errorf("interview view = %+v, want 0/3 usable", iv)
		}
	})

	t.Run("after consumption", func(t *testing.T) {
		if _, err := svc.ResolveAndCommit(ctx, "user-1", plan.CategoryInterview); err != nil {
			t.Fatalf("ResolveAndCommit() error = %v", err)
		}
		r, err := svc.Report(ctx, "user-1")
		if err != nil {
			t.Fatalf("Report() error = %v", err)
		}
		iv := r.Usage[plan.CategoryInterview]
		if iv.Display != "1/3" || iv.Used != 1 || iv.Remaining != 2 {
			t.Errorf("interview view = %+v, want 1/3", iv)
		}
	})

	t.Run("missing identity", func(t *testing.T) {
		if _, err := svc.Report(ctx, ""); !errors.Is(err, entitle.ErrUnauthenticated) {
			t.Errorf("Report() error = %v, want ErrUnauthenticated", err)
		}
	})
}

func TestAdjustGrant_Clamping(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedFreePlan(t, svc)

	g, err := svc.EnsureFreeGrant(ctx, "user-1")
	if err != nil {
		t.Fatalf("EnsureFreeGrant() error = %v", err)
	}

	// Over-credit clamps to the plan limit, over-debit clamps to zero.
	updated, err := svc.AdjustGrant(ctx, g.ID, grant.Deltas{Interview: 100, Assessment: -100})
	if err != nil {
		t.Fatalf("AdjustGrant() error = %v", err)
	}
	if updated.Balances.Interview != 3 {
		t.Errorf("interview balance = %d, want clamped to limit 3", updated.Balances.Interview)
	}
	if updated.Balances.Assessment != 0 {
		t.Errorf("assessment balance = %d, want clamped to 0", updated.Balances.Assessment)
	}
}

func TestPurchaseGrant_ArchivedPlan(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pro := seedPaidPlan(t, svc, plan.Limits{Interview: 10})

	if err := svc.ArchivePlan(ctx, pro.ID); err != nil {
		t.Fatalf("ArchivePlan() error = %v", err)
	}
	if _, err := svc.PurchaseGrant(ctx, "user-1", pro.ID); !errors.Is(err, entitle.ErrPlanArchived) {
		t.Errorf("PurchaseGrant() error = %v, want ErrPlanArchived", err)
	}
}

// TestLifecycle walks the whole subsystem end to end: free provisioning,
// upgrade, paid priority, exhaustion, fallback, and the reported figures at
// each step.
func TestLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedFreePlan(t, svc)
	pro := seedPaidPlan(t, svc, plan.Limits{Interview: 10, Assessment: 0, DocumentUpload: 0})

	const user = "user-1"

	// New user lands on the free tier with full balances.
	freeGrant, err := svc.EnsureFreeGrant(ctx, user)
	if err != nil {
		t.Fatalf("EnsureFreeGrant() error = %v", err)
	}
	r, err := svc.Report(ctx, user)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if got := r.Usage[plan.CategoryInterview].Display; got != "0/3" {
		t.Errorf("fresh display = %q, want 0/3", got)
	}

	// One free interview consumed.
	gid, err := svc.ResolveAndCommit(ctx, user, plan.CategoryInterview)
	if err != nil {
		t.Fatalf("ResolveAndCommit() error = %v", err)
	}
	if gid != freeGrant.ID {
		t.Errorf("charged grant = %s, want free grant %s", gid, freeGrant.ID)
	}

	// Upgrade. The paid grant now outranks the partially used free one.
	paidGrant, err := svc.PurchaseGrant(ctx, user, pro.ID)
	if err != nil {
		t.Fatalf("PurchaseGrant() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		gid, err := svc.ResolveAndCommit(ctx, user, plan.CategoryInterview)
		if err != nil {
			t.Fatalf("ResolveAndCommit() #%d error = %v", i+1, err)
		}
		if gid != paidGrant.ID {
			t.Fatalf("commit #%d charged %s, want paid grant %s", i+1, gid, paidGrant.ID)
		}
	}

	// Paid credits are gone; the resolver falls back to the free remainder.
	gid, err = svc.ResolveAndCommit(ctx, user, plan.CategoryInterview)
	if err != nil {
		t.Fatalf("ResolveAndCommit() after exhaustion error = %v", err)
	}
	if gid != freeGrant.ID {
		t.Errorf("post-exhaustion commit charged %s, want free grant %s", gid, freeGrant.ID)
	}

	r, err = svc.Report(ctx, user)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if got := r.Usage[plan.CategoryInterview].Display; got != "2/3" {
		t.Errorf("final display = %q, want 2/3", got)
	}
	if r.Selected == nil || r.Selected.ID != freeGrant.ID {
		t.Errorf("Selected = %+v, want free grant %s", r.Selected, freeGrant.ID)
	}

	// The demoted paid grant stays visible in history.
	history, err := svc.ListGrants(ctx, user)
	if err != nil {
		t.Fatalf("ListGrants() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}
