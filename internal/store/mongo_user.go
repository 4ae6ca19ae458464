package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/userdir/apiserver/internal/geo"
	"github.com/userdir/apiserver/types"
)

// UsersCollection is the collection holding user documents.
const UsersCollection = "users"

type userDocument struct {
	ID          string          `bson:"_id"`
	Username    string          `bson:"username"`
	Name        string          `bson:"name"`
	DOB         time.Time       `bson:"dob"`
	Address     string          `bson:"address"`
	Description string          `bson:"description"`
	Location    *types.Location `bson:"location,omitempty"`
	Followers   []string        `bson:"followers"`
	Following   []string        `bson:"following"`
	CreatedAt   time.Time       `bson:"createdAt"`
}

type neighborDocument struct {
	User     userDocument `bson:",inline"`
	Distance float64      `bson:"distance"`
}

func (doc userDocument) toUser() types.User {
	dob := doc.DOB.UTC()
	return types.User{
		ID:          doc.ID,
		Username:    doc.Username,
		Name:        doc.Name,
		DOB:         types.NewDate(dob.Year(), dob.Month(), dob.Day()),
		Address:     doc.Address,
		Description: doc.Description,
		Location:    doc.Location,
		Followers:   nonNil(doc.Followers),
		Following:   nonNil(doc.Following),
		CreatedAt:   doc.CreatedAt.UTC(),
	}
}

// MongoUserRepository stores users as documents with embedded edge arrays.
// With transactions enabled both halves of an edge are written in one
// transaction; without them a failed second write surfaces as
// ErrInconsistentEdge.
type MongoUserRepository struct {
	client       *mongo.Client
	coll         *mongo.Collection
	transactions bool
}

func NewMongoUserRepository(client *mongo.Client, database string, transactions bool) *MongoUserRepository {
	return &MongoUserRepository{
		client:       client,
		coll:         client.Database(database).Collection(UsersCollection),
		transactions: transactions,
	}
}

// EnsureIndexes creates the 2dsphere index FindNear depends on and the
// unique username index.
func (r *MongoUserRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	return err
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoUserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	return r.findOne(ctx, bson.M{"username": username})
}

func (r *MongoUserRepository) findOne(ctx context.Context, filter bson.M) (types.User, error) {
	var doc userDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return doc.toUser(), nil
}

func (r *MongoUserRepository) List(ctx context.Context) ([]types.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []userDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]types.User, 0, len(docs))
	for _, doc := range docs {
		users = append(users, doc.toUser())
	}
	return users, nil
}

func (r *MongoUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	doc := userDocument{
		ID:          user.ID,
		Username:    user.Username,
		Name:        user.Name,
		DOB:         user.DOB.Time,
		Address:     user.Address,
		Description: user.Description,
		Location:    user.Location,
		Followers:   []string{},
		Following:   []string{},
		CreatedAt:   user.CreatedAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.User{}, ErrDuplicateUsername
		}
		return types.User{}, err
	}
	return doc.toUser(), nil
}

func (r *MongoUserRepository) Update(ctx context.Context, id string, patch types.UserPatch) (types.User, error) {
	set := bson.D{}
	if patch.Username != nil {
		set = append(set, bson.E{Key: "username", Value: *patch.Username})
	}
	if patch.Name != nil {
		set = append(set, bson.E{Key: "name", Value: *patch.Name})
	}
	if patch.DOB != nil {
		set = append(set, bson.E{Key: "dob", Value: patch.DOB.Time})
	}
	if patch.Address != nil {
		set = append(set, bson.E{Key: "address", Value: *patch.Address})
	}
	if patch.Description != nil {
		set = append(set, bson.E{Key: "description", Value: *patch.Description})
	}
	if patch.Location.Complete() {
		set = append(set, bson.E{Key: "location", Value: patch.Location})
	}
	if len(set) == 0 {
		return r.GetByID(ctx, id)
	}

	result, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.User{}, ErrDuplicateUsername
		}
		return types.User{}, err
	}
	if result.MatchedCount == 0 {
		return types.User{}, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *MongoUserRepository) Delete(ctx context.Context, id string, cascade bool) (bool, error) {
	deleted := false
	err := r.run(ctx, func(ctx context.Context) error {
		result, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
		if err != nil {
			return err
		}
		deleted = result.DeletedCount > 0
		if deleted && cascade {
			return r.pullReferences(ctx, id)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (r *MongoUserRepository) SetEdge(ctx context.Context, followerID, targetID string, present bool) (bool, error) {
	op := "$pull"
	if present {
		op = "$addToSet"
	}

	changed := false
	err := r.run(ctx, func(ctx context.Context) error {
		count, err := r.coll.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": bson.A{followerID, targetID}}})
		if err != nil {
			return err
		}
		if count != 2 {
			return ErrNotFound
		}
		changed, err = writeEdge(ctx, r.coll, r.transactions, op, followerID, targetID)
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// DropEdge pulls targetID from the follower's following array and followerID
// from the target's followers array, skipping whichever document is gone.
func (r *MongoUserRepository) DropEdge(ctx context.Context, followerID, targetID string) (bool, error) {
	changed := false
	err := r.run(ctx, func(ctx context.Context) error {
		var err error
		changed, err = writeEdge(ctx, r.coll, r.transactions, "$pull", followerID, targetID)
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// edgeWriter is the part of *mongo.Collection that writeEdge needs.
type edgeWriter interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// writeEdge updates the follower document, then the target document. Outside
// a transaction a failed second write after a modified first one leaves the
// edge on one side only and is reported as ErrInconsistentEdge.
func writeEdge(ctx context.Context, coll edgeWriter, transactional bool, op, followerID, targetID string) (bool, error) {
	first, err := coll.UpdateOne(ctx, bson.M{"_id": followerID}, bson.M{op: bson.M{"following": targetID}})
	if err != nil {
		return false, err
	}
	second, err := coll.UpdateOne(ctx, bson.M{"_id": targetID}, bson.M{op: bson.M{"followers": followerID}})
	if err != nil {
		if !transactional && first.ModifiedCount > 0 {
			return false, fmt.Errorf("%w: %s -> %s: %w", ErrInconsistentEdge, followerID, targetID, err)
		}
		return false, err
	}
	return first.ModifiedCount > 0 || second.ModifiedCount > 0, nil
}

func (r *MongoUserRepository) RemoveReferences(ctx context.Context, id string) error {
	return r.run(ctx, func(ctx context.Context) error {
		return r.pullReferences(ctx, id)
	})
}

func (r *MongoUserRepository) pullReferences(ctx context.Context, id string) error {
	filter := bson.M{"$or": bson.A{bson.M{"followers": id}, bson.M{"following": id}}}
	update := bson.M{"$pull": bson.M{"followers": id, "following": id}}
	_, err := r.coll.UpdateMany(ctx, filter, update)
	return err
}

// FindNear runs a $geoNear stage restricted to the candidate ids. Mongo
// orders by distance only, so ties are re-sorted by id here.
func (r *MongoUserRepository) FindNear(ctx context.Context, origin geo.Point, maxMeters float64, candidateIDs []string) ([]Neighbor, error) {
	if len(candidateIDs) == 0 || maxMeters < 0 {
		return []Neighbor{}, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$geoNear", Value: bson.D{
			{Key: "near", Value: bson.D{
				{Key: "type", Value: types.PointType},
				{Key: "coordinates", Value: bson.A{origin.Lon, origin.Lat}},
			}},
			{Key: "distanceField", Value: "distance"},
			{Key: "maxDistance", Value: maxMeters},
			{Key: "query", Value: bson.M{"_id": bson.M{"$in": candidateIDs}}},
			{Key: "spherical", Value: true},
		}}},
	}
	cursor, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var docs []neighborDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	neighbors := make([]Neighbor, 0, len(docs))
	for _, doc := range docs {
		neighbors = append(neighbors, Neighbor{User: doc.User.toUser(), Distance: doc.Distance})
	}
	SortNeighbors(neighbors)
	return neighbors, nil
}

func (r *MongoUserRepository) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.transactions {
		return fn(ctx)
	}
	session, err := r.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}
