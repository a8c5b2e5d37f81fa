package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

func testPlan(free bool) *plan.Plan {
	price := types.USD(4900)
	if free {
		price = types.USD(0)
	}
	return &plan.Plan{
		Entity:       types.NewEntity(),
		ID:           id.NewPlanID(),
		Name:         "Test",
		Price:        price,
		FreeTier:     free,
		ValidityDays: 30,
		Limits:       plan.Limits{Interview: 5, Assessment: 5, DocumentUpload: 5},
		Status:       plan.StatusActive,
	}
}

func testGrant(userID string, planID id.PlanID, now time.Time) *grant.Grant {
	return &grant.Grant{
		Entity:   types.NewEntity(),
		ID:       id.NewGrantID(),
		UserID:   userID,
		PlanID:   planID,
		StartAt:  now,
		EndAt:    now.Add(24 * time.Hour),
		Active:   true,
		Balances: grant.Balances{Interview: 5, Assessment: 5, DocumentUpload: 5},
	}
}

func TestPlanCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := testPlan(false)

	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if err := s.CreatePlan(ctx, p); !errors.Is(err, entitle.ErrAlreadyExists) {
		t.Errorf("duplicate CreatePlan() error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.Name != p.Name {
		t.Errorf("Name = %q, want %q", got.Name, p.Name)
	}

	// Stored copies must be isolated from caller mutation.
	got.Name = "mutated"
	again, _ := s.GetPlan(ctx, p.ID)
	if again.Name == "mutated" {
		t.Error("GetPlan() returned a shared pointer")
	}

	if err := s.ArchivePlan(ctx, p.ID); err != nil {
		t.Fatalf("ArchivePlan() error = %v", err)
	}
	archived, _ := s.GetPlan(ctx, p.ID)
	if archived.Status != plan.StatusArchived {
		t.Errorf("Status = %q, want archived", archived.Status)
	}

	if _, err := s.GetPlan(ctx, id.NewPlanID()); !errors.Is(err, entitle.ErrPlanNotFound) {
		t.Errorf("GetPlan(unknown) error = %v, want ErrPlanNotFound", err)
	}
}

func TestFindFreePlan_NewestWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	older := testPlan(true)
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := testPlan(true)

	if err := s.CreatePlan(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePlan(ctx, newer); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindFreePlan(ctx)
	if err != nil {
		t.Fatalf("FindFreePlan() error = %v", err)
	}
	if got.ID != newer.ID {
		t.Errorf("FindFreePlan() = %s, want newest %s", got.ID, newer.ID)
	}
}

func TestListSelectableGrants_Ordering(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPlan(false)
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}

	first := testGrant("user-1", p.ID, now)
	time.Sleep(2 * time.Millisecond)
	second := testGrant("user-1", p.ID, now)

	expired := testGrant("user-1", p.ID, now.Add(-48*time.Hour))
	expired.EndAt = now.Add(-24 * time.Hour)
	inactive := testGrant("user-1", p.ID, now)
	inactive.Active = false

	for _, g := range []*grant.Grant{first, second, expired, inactive} {
		if err := s.CreateGrant(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListSelectableGrants(ctx, "user-1", now)
	if err != nil {
		t.Fatalf("ListSelectableGrants() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("selectable count = %d, want 2", len(got))
	}
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("order = [%s %s], want newest first [%s %s]", got[0].ID, got[1].ID, second.ID, first.ID)
	}
}

func TestConsumeCredit(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPlan(false)
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}

	g := testGrant("user-1", p.ID, now)
	g.Balances = grant.Balances{Interview: 1}
	if err := s.CreateGrant(ctx, g); err != nil {
		t.Fatal(err)
	}

	updated, err := s.ConsumeCredit(ctx, g.ID, plan.CategoryInterview, now)
	if err != nil {
		t.Fatalf("ConsumeCredit() error = %v", err)
	}
	if updated.Balances.Interview != 0 {
		t.Errorf("balance = %d, want 0", updated.Balances.Interview)
	}

	if _, err := s.ConsumeCredit(ctx, g.ID, plan.CategoryInterview, now); !errors.Is(err, entitle.ErrAlreadyExhausted) {
		t.Errorf("ConsumeCredit() on zero balance error = %v, want ErrAlreadyExhausted", err)
	}

	if _, err := s.ConsumeCredit(ctx, g.ID, plan.CategoryInterview, now.Add(48*time.Hour)); !errors.Is(err, entitle.ErrGrantNotSelectable) {
		t.Errorf("ConsumeCredit() past expiry error = %v, want ErrGrantNotSelectable", err)
	}

	if _, err := s.ConsumeCredit(ctx, id.NewGrantID(), plan.CategoryInterview, now); !errors.Is(err, entitle.ErrGrantNotFound) {
		t.Errorf("ConsumeCredit(unknown) error = %v, want ErrGrantNotFound", err)
	}
}

func TestConsumeCredit_Race(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPlan(false)
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}

	g := testGrant("user-1", p.ID, now)
	g.Balances = grant.Balances{Interview: 10, Assessment: 10, DocumentUpload: 10}
	if err := s.CreateGrant(ctx, g); err != nil {
		t.Fatal(err)
	}

	const attempts = 50
	var ok, exhausted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeCredit(ctx, g.ID, plan.CategoryInterview, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, entitle.ErrAlreadyExhausted):
				exhausted++
			default:
				t.Errorf("ConsumeCredit() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || exhausted != 40 {
		t.Errorf("outcomes = %d ok, %d exhausted; want 10 and 40", ok, exhausted)
	}
	final, _ := s.GetGrant(ctx, g.ID)
	if final.Balances.Interview != 0 {
		t.Errorf("final balance = %d, want 0", final.Balances.Interview)
	}
}

func TestEnsureGrant(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPlan(true)
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}

	first := testGrant("user-1", p.ID, now)
	got, created, err := s.EnsureGrant(ctx, first, now)
	if err != nil {
		t.Fatalf("EnsureGrant() error = %v", err)
	}
	if !created || got.ID != first.ID {
		t.Errorf("EnsureGrant() = (%s, %v), want (%s, true)", got.ID, created, first.ID)
	}

	second := testGrant("user-1", p.ID, now)
	got, created, err = s.EnsureGrant(ctx, second, now)
	if err != nil {
		t.Fatalf("EnsureGrant() repeat error = %v", err)
	}
	if created || got.ID != first.ID {
		t.Errorf("EnsureGrant() repeat = (%s, %v), want existing (%s, false)", got.ID, created, first.ID)
	}

	// A deactivated grant does not block re-provisioning.
	if _, err := s.DeactivateGrant(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	third := testGrant("user-1", p.ID, now)
	got, created, err = s.EnsureGrant(ctx, third, now)
	if err != nil {
		t.Fatalf("EnsureGrant() after deactivation error = %v", err)
	}
	if !created || got.ID != third.ID {
		t.Errorf("EnsureGrant() after deactivation = (%s, %v), want (%s, true)", got.ID, created, third.ID)
	}
}

func TestEnsureGrant_Concurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPlan(true)
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}

	const callers = 20
	var createdCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.EnsureGrant(ctx, testGrant("user-1", p.ID, now), now)
			if err != nil {
				t.Errorf("EnsureGrant() error = %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created count = %d, want exactly 1", createdCount)
	}
	grants, _ := s.ListGrants(ctx, "user-1")
	if len(grants) != 1 {
		t.Errorf("grant count = %d, want 1", len(grants))
	}
}

func TestAdjustBalances_Clamping(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPlan(false)
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}

	g := testGrant("user-1", p.ID, now)
	g.Balances = grant.Balances{Interview: 2, Assessment: 2, DocumentUpload: 2}
	if err := s.CreateGrant(ctx, g); err != nil {
		t.Fatal(err)
	}

	updated, err := s.AdjustBalances(ctx, g.ID, grant.Deltas{Interview: 100, Assessment: -100, DocumentUpload: 1}, p.Limits)
	if err != nil {
		t.Fatalf("AdjustBalances() error = %v", err)
	}
	want := grant.Balances{Interview: 5, Assessment: 0, DocumentUpload: 3}
	if updated.Balances != want {
		t.Errorf("Balances = %+v, want %+v", updated.Balances, want)
	}
}
