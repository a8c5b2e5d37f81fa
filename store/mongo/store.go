// Package mongo provides a MongoDB Store.
//
// ConsumeCredit maps to a filtered FindOneAndUpdate with $inc, so the
// balance guard and the decrement are one document-level atomic operation.
// EnsureGrant leans on a partial unique index over active grants.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/types"
)

// Collection name constants.
const (
	colPlans  = "entitle_plans"
	colGrants = "entitle_grants"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB and returns a store bound to dbName.
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: connect: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("entitle/mongo: ping: %w", err)
	}

	return &Store{client: client, db: client.Database(dbName)}, nil
}

// NewWithClient creates a store from an existing client. The caller keeps
// ownership of the client's lifecycle.
func NewWithClient(client *mongo.Client, dbName string) *Store {
	return &Store{client: client, db: client.Database(dbName)}
}

// Migrate creates the collection indexes.
func (s *Store) Migrate(ctx context.Context) error {
	planIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "slug", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"slug": bson.M{"$gt": ""}})},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "free_tier", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	grantIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		// One live grant per (user, plan). Deactivated documents drop out
		// of the index, so re-provisioning after a fallback works while
		// concurrent provisioning still collapses to a single document.
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "plan_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true})},
	}

	if _, err := s.db.Collection(colPlans).Indexes().CreateMany(ctx, planIndexes); err != nil {
		return fmt.Errorf("%w: %s indexes: %v", entitle.ErrMigrationFailed, colPlans, err)
	}
	if _, err := s.db.Collection(colGrants).Indexes().CreateMany(ctx, grantIndexes); err != nil {
		return fmt.Errorf("%w: %s indexes: %v", entitle.ErrMigrationFailed, colGrants, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ==================== Plan catalog ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.CreatedAt.IsZero() {
		p.Entity = types.NewEntity()
	}
	_, err := s.db.Collection(colPlans).InsertOne(ctx, toPlanModel(p))
	if mongo.IsDuplicateKeyError(err) {
		return entitle.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("entitle/mongo: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	var m planModel
	err := s.db.Collection(colPlans).FindOne(ctx, bson.M{"_id": planID.String()}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitle.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.db.Collection(colPlans).FindOne(ctx, bson.M{"slug": slug}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitle.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) FindFreePlan(ctx context.Context) (*plan.Plan, error) {
	filter := bson.M{
		"status": string(plan.StatusActive),
		"$or": []bson.M{
			{"free_tier": true},
			{"price_amount": 0},
			{"name": bson.M{"$regex": "free", "$options": "i"}},
		},
	}

	var m planModel
	err := s.db.Collection(colPlans).
		FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})).
		Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitle.ErrNoFreePlan
	}
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: find free plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colPlans).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list plans: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]*plan.Plan, 0)
	for cursor.Next(ctx) {
		var m planModel
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		p, err := fromPlanModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, cursor.Err()
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.db.Collection(colPlans).UpdateOne(ctx,
		bson.M{"_id": planID.String()},
		bson.M{"$set": bson.M{"status": string(plan.StatusArchived), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("entitle/mongo: archive plan: %w", err)
	}
	if res.MatchedCount == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

// ==================== Grants ====================

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	if g.CreatedAt.IsZero() {
		g.Entity = types.NewEntity()
	}
	_, err := s.db.Collection(colGrants).InsertOne(ctx, toGrantModel(g))
	if mongo.IsDuplicateKeyError(err) {
		return entitle.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("entitle/mongo: create grant: %w", err)
	}
	return nil
}

func (s *Store) EnsureGrant(ctx context.Context, g *grant.Grant, now time.Time) (*grant.Grant, bool, error) {
	if g.CreatedAt.IsZero() {
		g.Entity = types.NewEntity()
	}

	selectable := bson.M{
		"user_id":  g.UserID,
		"plan_id":  g.PlanID.String(),
		"active":   true,
		"start_at": bson.M{"$lte": now},
		"end_at":   bson.M{"$gte": now},
	}
	newestFirst := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	// Two passes at most: the second handles the case where the unique
	// index was occupied by an active-but-expired document that the first
	// pass retires.
	for attempt := 0; attempt < 2; attempt++ {
		var m grantModel
		err := s.db.Collection(colGrants).FindOne(ctx, selectable, newestFirst).Decode(&m)
		if err == nil {
			existing, err := fromGrantModel(&m)
			return existing, false, err
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, fmt.Errorf("entitle/mongo: ensure grant: %w", err)
		}

		_, err = s.db.Collection(colGrants).InsertOne(ctx, toGrantModel(g))
		if err == nil {
			return g, true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, fmt.Errorf("entitle/mongo: ensure grant: %w", err)
		}

		// Conflict without a selectable document: the slot is held by an
		// expired grant. Retire it and try once more.
		if _, err := s.db.Collection(colGrants).UpdateMany(ctx,
			bson.M{
				"user_id": g.UserID,
				"plan_id": g.PlanID.String(),
				"active":  true,
				"end_at":  bson.M{"$lt": now},
			},
			bson.M{"$set": bson.M{"active": false, "updated_at": now}},
		); err != nil {
			return nil, false, fmt.Errorf("entitle/mongo: ensure grant: %w", err)
		}
	}

	return nil, false, entitle.ErrTransactionFailed
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	var m grantModel
	err := s.db.Collection(colGrants).FindOne(ctx, bson.M{"_id": grantID.String()}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitle.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: get grant: %w", err)
	}
	return fromGrantModel(&m)
}

func (s *Store) ListGrants(ctx context.Context, userID string) ([]*grant.Grant, error) {
	return s.findGrants(ctx, bson.M{"user_id": userID})
}

func (s *Store) ListSelectableGrants(ctx context.Context, userID string, now time.Time) ([]*grant.Grant, error) {
	return s.findGrants(ctx, bson.M{
		"user_id":  userID,
		"active":   true,
		"start_at": bson.M{"$lte": now},
		"end_at":   bson.M{"$gte": now},
	})
}

func (s *Store) ConsumeCredit(ctx context.Context, grantID id.GrantID, c plan.Category, now time.Time) (*grant.Grant, error) {
	field, err := balanceField(c)
	if err != nil {
		return nil, err
	}

	// The balance guard rides in the filter, so two racing commits for the
	// last credit serialize on the document and exactly one succeeds.
	filter := bson.M{
		"_id":      grantID.String(),
		"active":   true,
		"start_at": bson.M{"$lte": now},
		"end_at":   bson.M{"$gte": now},
		field:      bson.M{"$gt": 0},
	}
	update := bson.M{
		"$inc": bson.M{field: -1},
		"$set": bson.M{"updated_at": now},
	}

	var m grantModel
	err = s.db.Collection(colGrants).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err == nil {
		return fromGrantModel(&m)
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("entitle/mongo: consume credit: %w", err)
	}

	// No document matched. Re-read to report which precondition failed.
	current, err := s.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if !current.Selectable(now) {
		return nil, entitle.ErrGrantNotSelectable
	}
	return nil, entitle.ErrAlreadyExhausted
}

func (s *Store) AdjustBalances(ctx context.Context, grantID id.GrantID, d grant.Deltas, limits plan.Limits) (*grant.Grant, error) {
	clamp := func(field string, delta, limit int64) bson.M {
		return bson.M{
			"$min": bson.A{limit, bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{"$" + field, delta}}}}},
		}
	}

	// Pipeline update: the clamp happens server-side in the same atomic
	// operation as the write.
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"interview_balance":       clamp("interview_balance", d.Interview, limits.Interview),
			"assessment_balance":      clamp("assessment_balance", d.Assessment, limits.Assessment),
			"document_upload_balance": clamp("document_upload_balance", d.DocumentUpload, limits.DocumentUpload),
			"updated_at":              time.Now().UTC(),
		}}},
	}

	var m grantModel
	err := s.db.Collection(colGrants).
		FindOneAndUpdate(ctx, bson.M{"_id": grantID.String()}, pipeline, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitle.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: adjust balances: %w", err)
	}
	return fromGrantModel(&m)
}

func (s *Store) DeactivateGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	var m grantModel
	err := s.db.Collection(colGrants).
		FindOneAndUpdate(ctx,
			bson.M{"_id": grantID.String()},
			bson.M{"$set": bson.M{"active": false, "updated_at": time.Now().UTC()}},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitle.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: deactivate grant: %w", err)
	}
	return fromGrantModel(&m)
}

// ==================== Helpers ====================

func (s *Store) findGrants(ctx context.Context, filter bson.M) ([]*grant.Grant, error) {
	cursor, err := s.db.Collection(colGrants).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: find grants: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]*grant.Grant, 0)
	for cursor.Next(ctx) {
		var m grantModel
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		g, err := fromGrantModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, cursor.Err()
}

func balanceField(c plan.Category) (string, error) {
	switch c {
	case plan.CategoryInterview:
		return "interview_balance", nil
	case plan.CategoryAssessment:
		return "assessment_balance", nil
	case plan.CategoryDocumentUpload:
		return "document_upload_balance", nil
	}
	return "", fmt.Errorf("entitle/mongo: unknown category %q", c)
}
