package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/hatlonely/schemax/ref"
	"github.com/hatlonely/schemax/version"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoOptions MongoDB 连接选项
type MongoOptions struct {
	URI         string        `cfg:"uri"`
	Host        string        `cfg:"host" def:"localhost"`
	Port        int           `cfg:"port" def:"27017"`
	Database    string        `cfg:"database" validate:"required"`
	Username    string        `cfg:"username"`
	Password    string        `cfg:"password"`
	AuthSource  string        `cfg:"authSource" def:"admin"`
	Timeout     time.Duration `cfg:"timeout" def:"30s"`
	MaxPoolSize uint64        `cfg:"maxPoolSize" def:"100"`
	MinPoolSize uint64        `cfg:"minPoolSize" def:"0"`

	Namespace string           `cfg:"namespace" def:"schemax"`
	BatchSize int              `cfg:"batchSize" def:"500"`
	Logger    *ref.TypeOptions `cfg:"logger"`
}

// MongoDriver DocumentDriver 的 MongoDB 实现
type MongoDriver struct {
	client   *mongo.Client
	database *mongo.Database
}

func NewMongoDriverWithOptions(opts *MongoOptions) (*MongoDriver, error) {
	if opts == nil {
		return nil, errors.New("options is nil")
	}
	uri := opts.URI
	if uri == "" {
		if opts.Username != "" && opts.Password != "" {
			uri = fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s",
				opts.Username, opts.Password, opts.Host, opts.Port, opts.Database, opts.AuthSource)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%d/%s", opts.Host, opts.Port, opts.Database)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	if opts.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	}
	clientOptions.SetMinPoolSize(opts.MinPoolSize)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "mongo.Connect failed")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "client.Ping failed")
	}
	return &MongoDriver{client: client, database: client.Database(opts.Database)}, nil
}

// NewMongoDriver 使用调用方的连接，Close 不会断开
func NewMongoDriver(database *mongo.Database) *MongoDriver {
	return &MongoDriver{database: database}
}

// NewMongoWithOptions 连接 MongoDB 并创建文档执行器
func NewMongoWithOptions(opts *MongoOptions) (*Document, error) {
	driver, err := NewMongoDriverWithOptions(opts)
	if err != nil {
		return nil, err
	}
	exec, err := NewDocument("mongo", driver, &DocumentOptions{
		Namespace: opts.Namespace,
		BatchSize: opts.BatchSize,
		Logger:    opts.Logger,
	})
	if err != nil {
		_ = driver.Close(context.Background())
		return nil, err
	}
	return exec, nil
}

func (d *MongoDriver) CreateCollection(ctx context.Context, name string) error {
	if err := d.database.CreateCollection(ctx, name); err != nil {
		return errors.Wrapf(err, "create collection %s failed", name)
	}
	return nil
}

func (d *MongoDriver) DropCollection(ctx context.Context, name string) error {
	if err := d.database.Collection(name).Drop(ctx); err != nil {
		return errors.Wrapf(err, "drop collection %s failed", name)
	}
	return nil
}

func (d *MongoDriver) RenameCollection(ctx context.Context, from, to string) error {
	db := d.database.Name()
	cmd := bson.D{{Key: "renameCollection", Value: db + "." + from}, {Key: "to", Value: db + "." + to}}
	if err := d.database.Client().Database("admin").RunCommand(ctx, cmd).Err(); err != nil {
		return errors.Wrapf(err, "rename collection %s to %s failed", from, to)
	}
	return nil
}

func (d *MongoDriver) SetField(ctx context.Context, collection, field string, value any) error {
	_, err := d.database.Collection(collection).UpdateMany(ctx,
		bson.M{field: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{field: value}},
	)
	if err != nil {
		return errors.Wrapf(err, "set %s.%s failed", collection, field)
	}
	return nil
}

func (d *MongoDriver) UnsetField(ctx context.Context, collection, field string) error {
	_, err := d.database.Collection(collection).UpdateMany(ctx, bson.M{}, bson.M{"$unset": bson.M{field: ""}})
	if err != nil {
		return errors.Wrapf(err, "unset %s.%s failed", collection, field)
	}
	return nil
}

func (d *MongoDriver) RenameField(ctx context.Context, collection, from, to string) error {
	_, err := d.database.Collection(collection).UpdateMany(ctx, bson.M{}, bson.M{"$rename": bson.M{from: to}})
	if err != nil {
		return errors.Wrapf(err, "rename %s.%s failed", collection, from)
	}
	return nil
}

// nonNullTypes 部分索引不支持 $ne: null，用 $type 列出非空类型
var nonNullTypes = bson.A{"double", "string", "object", "array", "binData", "objectId", "bool", "date", "int", "long", "decimal", "timestamp"}

func (d *MongoDriver) CreateUniqueIndex(ctx context.Context, collection, name string, fields []string) error {
	keys := bson.D{}
	filter := bson.D{}
	for _, f := range fields {
		keys = append(keys, bson.E{Key: f, Value: 1})
		filter = append(filter, bson.E{Key: f, Value: bson.M{"$type": nonNullTypes}})
	}
	model := mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetName(name).SetUnique(true).SetPartialFilterExpression(filter),
	}
	if _, err := d.database.Collection(collection).Indexes().CreateOne(ctx, model); err != nil {
		return errors.Wrapf(err, "create index %s on %s failed", name, collection)
	}
	return nil
}

func (d *MongoDriver) DropIndex(ctx context.Context, collection, name string) error {
	if _, err := d.database.Collection(collection).Indexes().DropOne(ctx, name); err != nil {
		return errors.Wrapf(err, "drop index %s on %s failed", name, collection)
	}
	return nil
}

func (d *MongoDriver) Each(ctx context.Context, collection string, fn func(doc map[string]any) error) error {
	cursor, err := d.database.Collection(collection).Find(ctx, bson.M{})
	if err != nil {
		return errors.Wrapf(err, "find %s failed", collection)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return errors.Wrap(err, "cursor.Decode failed")
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return errors.Wrap(cursor.Err(), "cursor failed")
}

func (d *MongoDriver) Patch(ctx context.Context, collection string, id any, set map[string]any) error {
	if _, err := d.database.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		return errors.Wrapf(err, "update %s %v failed", collection, id)
	}
	return nil
}

func (d *MongoDriver) Insert(ctx context.Context, collection string, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	items := make([]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc)
	}
	if _, err := d.database.Collection(collection).InsertMany(ctx, items); err != nil {
		return errors.Wrapf(err, "insert into %s failed", collection)
	}
	return nil
}

func (d *MongoDriver) Versions(namespace string) version.Store {
	return version.NewMongoStore(d.database, namespace)
}

func (d *MongoDriver) Close(ctx context.Context) error {
	if d.client == nil {
		return nil
	}
	return errors.Wrap(d.client.Disconnect(ctx), "client.Disconnect failed")
}

var _ DocumentDriver = (*MongoDriver)(nil)
