package mongo_directory

import (
	"context"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"regexp"
)

// CollectionName is the collection holding the users.
const CollectionName = "users"

// Directory is an identity.Directory reading users from a mongo collection.
type Directory struct {
	collection *mongo.Collection
	logger     zerolog.Logger
}

func New(db *mongo.Database, logger zerolog.Logger) *Directory {
	return &Directory{
		collection: db.Collection(CollectionName),
		logger:     logger,
	}
}

// BuildFilter converts a UserFilter to a mongo query.
func BuildFilter(filter identity.UserFilter) bson.M {
	var clauses bson.A
	if filter.ExcludeID != "" {
		clauses = append(clauses, bson.M{"_id": bson.M{"$ne": filter.ExcludeID}})
	}
	if filter.Search != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(filter.Search), Options: "i"}
		clauses = append(clauses, bson.M{"$or": bson.A{
			bson.M{"name": pattern},
			bson.M{"full_name": pattern},
			bson.M{"_id": pattern},
		}})
	}
	switch len(clauses) {
	case 0:
		return bson.M{}
	case 1:
		return clauses[0].(bson.M)
	}
	return bson.M{"$and": clauses}
}

// BuildOptions returns the find options of a UserFilter: sorted by id, limited to filter.Limit.
func BuildOptions(filter identity.UserFilter) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return opts
}

func (d *Directory) QueryUsers(ctx context.Context, filter identity.UserFilter) ([]identity.User, error) {
	cursor, err := d.collection.Find(ctx, BuildFilter(filter), BuildOptions(filter))
	if err != nil {
		d.logger.Error().Err(err).Msg("Error querying users")
		return nil, tracerr.Wrap(err)
	}
	defer cursor.Close(ctx)

	users := make([]identity.User, 0)
	if err = cursor.All(ctx, &users); err != nil {
		return nil, tracerr.Wrap(err)
	}
	d.logger.Trace().Int("count", len(users)).Msg("Users queried")
	return users, nil
}
