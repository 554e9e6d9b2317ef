package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/actisync/internal/uuid"
)

// Keys layout
const redisIndexKey = "actisync:documents"

func redisDocKey(id string) string { return "actisync:doc:" + id }

// RedisBackend stores each document as a hash plus its id in an index set.
type RedisBackend struct {
	client redis.UniversalClient
}

// OpenRedis connects to addr, which is either host:port or a redis:// URL.
func OpenRedis(ctx context.Context, addr string) (*RedisBackend, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisBackend(client), nil
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Create implements Backend.
func (b *RedisBackend) Create(ctx context.Context, doc Document) (string, error) {
	id := uuid.New()
	values, err := redisValues(doc)
	if err != nil {
		return "", err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisDocKey(id), values)
		pipe.SAdd(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis create: %w", err)
	}
	return id, nil
}

// Update implements Backend.
func (b *RedisBackend) Update(ctx context.Context, remoteID string, doc Document) error {
	exists, err := b.client.Exists(ctx, redisDocKey(remoteID)).Result()
	if err != nil {
		return fmt.Errorf("redis update %s: %w", remoteID, err)
	}
	if exists == 0 {
		return ErrDocumentNotFound
	}

	values, err := redisValues(doc)
	if err != nil {
		return err
	}
	// created_at is fixed at creation
	delete(values, "created_at")
	if doc.LocalID == "" {
		delete(values, "local_id")
	}
	if err := b.client.HSet(ctx, redisDocKey(remoteID), values).Err(); err != nil {
		return fmt.Errorf("redis update %s: %w", remoteID, err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, remoteID string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisDocKey(remoteID))
		pipe.SRem(ctx, redisIndexKey, remoteID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", remoteID, err)
	}
	return nil
}

// List implements Backend.
func (b *RedisBackend) List(ctx context.Context) ([]Document, error) {
	ids, err := b.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return []Document{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, redisDocKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	docs := make([]Document, 0, len(ids))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			// Index entry without a hash: deleted between SMEMBERS and HGETALL
			continue
		}
		doc, err := documentFromRedis(ids[i], values)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sortDocuments(docs)
	return docs, nil
}

func redisValues(doc Document) (map[string]interface{}, error) {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	return map[string]interface{}{
		"local_id":   doc.LocalID,
		"fields":     string(fields),
		"status":     doc.Status,
		"version":    doc.Version,
		"created_at": doc.CreatedAt,
		"updated_at": doc.UpdatedAt,
	}, nil
}

func documentFromRedis(id string, values map[string]string) (Document, error) {
	doc := Document{
		ID:      id,
		LocalID: values["local_id"],
		Status:  values["status"],
	}
	if err := json.Unmarshal([]byte(values["fields"]), &doc.Fields); err != nil {
		return doc, fmt.Errorf("decode fields of document %s: %w", id, err)
	}
	var err error
	if doc.Version, err = parseRedisInt(values["version"]); err != nil {
		return doc, fmt.Errorf("document %s version: %w", id, err)
	}
	if doc.CreatedAt, err = parseRedisInt(values["created_at"]); err != nil {
		return doc, fmt.Errorf("document %s created_at: %w", id, err)
	}
	if doc.UpdatedAt, err = parseRedisInt(values["updated_at"]); err != nil {
		return doc, fmt.Errorf("document %s updated_at: %w", id, err)
	}
	return doc, nil
}

func parseRedisInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
