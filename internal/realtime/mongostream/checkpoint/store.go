// Package checkpoint persists change-stream resume tokens so a mongostream
// subscription can pick up where its previous attempt stopped.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store loads and saves resume tokens by key. Load returns nil, nil when no
// token is stored.
type Store interface {
	Load(ctx context.Context, key string) (bson.Raw, error)
	Save(ctx context.Context, key string, token bson.Raw) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps tokens for the lifetime of the process
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]bson.Raw
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]bson.Raw)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (bson.Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[key]
	if !ok || len(token) == 0 {
		return nil, nil
	}
	return cloneRaw(token), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, token bson.Raw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = cloneRaw(token)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

func cloneRaw(token bson.Raw) bson.Raw {
	copied := make(bson.Raw, len(token))
	copy(copied, token)
	return copied
}

// RedisStore keeps tokens in Redis with an optional TTL
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "hsemu:resume:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, key string) (bson.Raw, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load resume token: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return bson.Raw(data), nil
}

func (s *RedisStore) Save(ctx context.Context, key string, token bson.Raw) error {
	if err := s.client.Set(ctx, s.prefix+key, []byte(token), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save resume token: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// MongoStore keeps tokens in a collection next to the watched data
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore stores tokens in db.realtime_resume_tokens
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("realtime_resume_tokens")}
}

func (s *MongoStore) Load(ctx context.Context, key string) (bson.Raw, error) {
	var doc struct {
		ResumeToken bson.Raw `bson:"resumeToken"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	if len(doc.ResumeToken) == 0 {
		return nil, nil
	}
	return doc.ResumeToken, nil
}

func (s *MongoStore) Save(ctx context.Context, key string, token bson.Raw) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"resumeToken": token, "updatedAt": time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	return err
}
