package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/kv"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultURL      = "mongodb://localhost:27017"
	DefaultDatabase = "dishlens_storefront"
	collectionName  = "device_state"
	defaultTTL      = 24 * time.Hour
)

type stateDoc struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Store keeps guest state in MongoDB, one document per key. A TTL index on
// updated_at removes abandoned state.
type Store struct {
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
	logger     aqm.Logger
	config     *aqm.Config
}

func NewStore(config *aqm.Config, logger aqm.Logger) *Store {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Store{config: config, logger: logger}
}

func (s *Store) Start(ctx context.Context) error {
	mongoURL := s.config.GetStringOrDef("db.mongo.url", DefaultURL)
	dbName := s.config.GetStringOrDef("db.mongo.name", DefaultDatabase)

	ttl := defaultTTL
	if raw, ok := s.config.GetString("store.ttl"); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid store.ttl: %w", err)
		}
		ttl = d
	}

	clientOptions := options.Client().ApplyURI(mongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	s.client = client
	s.db = client.Database(dbName)
	s.collection = s.db.Collection(collectionName)

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return fmt.Errorf("cannot create updated_at index: %w", err)
	}

	s.logger.Infof("Connected to MongoDB: %s, database: %s, collection: %s", mongoURL, dbName, collectionName)
	return nil
}

func (s *Store) Stop(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc stateDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", key, err)
	}
	return doc.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	doc := stateDoc{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
