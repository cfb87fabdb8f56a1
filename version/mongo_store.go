package version

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoRecordID = "current"

// MongoStore 版本记录保存在 <namespace>_schema_version 集合中 _id 为 current 的文档
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(database *mongo.Database, namespace string) *MongoStore {
	return &MongoStore{collection: database.Collection(RecordName(namespace))}
}

func (s *MongoStore) Get(ctx context.Context) (string, bool, error) {
	var doc struct {
		Version string `bson:"version"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": mongoRecordID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "collection.FindOne failed")
	}
	return doc.Version, true, nil
}

func (s *MongoStore) Set(ctx context.Context, version string) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": mongoRecordID},
		bson.M{"$set": bson.M{"version": version, "updatedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "collection.UpdateOne failed")
	}
	return nil
}
