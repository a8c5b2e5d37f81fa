// Package entitle provides an embeddable entitlement and usage-credit engine
// for Go applications.
//
// Entitle is designed as a library, not a service. It mediates between a plan
// catalog and per-user grants: every billable action is resolved to a paying
// grant, charged with an atomic compare-and-decrement, and reported back as
// used/limit/remaining figures. It provides:
//
//   - Deterministic entitlement resolution (paid before free, newest first)
//   - Overdraft-proof credit consumption under concurrent commits
//   - Idempotent free-tier provisioning with automatic paid-to-free fallback
//   - Usage reporting projected against the grant the resolver would pick next
//   - Pluggable lifecycle hooks for audit trails and upgrade funnels
//
// # Quick Start
//
// Create a Service with your preferred store:
//
//	import (
//	    "github.com/xraph/entitle"
//	    "github.com/xraph/entitle/store/postgres"
//	)
//
//	// Initialize store
//	st, err := postgres.New(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create the engine
//	svc := entitle.New(st)
//
//	// Start it (runs migrations, initializes plugins)
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Stop()
//
// # Core Concepts
//
// Plans define per-category credit limits and a validity window:
//
//	p := &plan.Plan{
//	    Name:         "Pro",
//	    Price:        entitle.USD(4900),
//	    ValidityDays: 30,
//	    Limits:       plan.Limits{Interview: 10, Assessment: 20, DocumentUpload: 50},
//	}
//
// Grants are a user's time-bounded instances of a plan, holding remaining
// balances. Free grants are provisioned idempotently:
//
//	g, err := svc.EnsureFreeGrant(ctx, userID)
//
// Completing a billable action resolves the paying grant and spends one
// credit in a single step:
//
//	grantID, err := svc.ResolveAndCommit(ctx, userID, plan.CategoryInterview)
//
// # Concurrency
//
// Balance decrements are conditional datastore operations, never
// read-then-write sequences, so racing commits for the last credit yield
// exactly one success. The losing commit gets entitle.ErrAlreadyExhausted
// and the balance never goes below zero.
package entitle
