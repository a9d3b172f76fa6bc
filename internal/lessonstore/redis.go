package lessonstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jordanhubbard/lessonloop/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one list element per batch envelope under a single key.
// A companion hash maps batch id to lesson count for audits.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisStore connects to the server at url (redis://host:port/db).
func NewRedisStore(ctx context.Context, url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if key == "" {
		key = "lessonloop:lessons"
	}
	return &RedisStore{client: client, key: key, now: time.Now}, nil
}

func (s *RedisStore) batchesKey() string {
	return s.key + ":batches"
}

// Append pushes the batch inside MULTI/EXEC so the list and the index
// change together.
func (s *RedisStore) Append(ctx context.Context, lessons []models.Lesson) error {
	if len(lessons) == 0 {
		return nil
	}
	env, err := NewEnvelope(lessons, s.now())
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key, data)
		pipe.HSet(ctx, s.batchesKey(), env.Batch, len(env.Lessons))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append batch %s: %w", env.Batch, err)
	}
	log.Printf("[LessonStore] Appended batch %s with %d lesson(s) to redis key %s", env.Batch, len(env.Lessons), s.key)
	return nil
}

// ReadAll returns every lesson from verified envelopes in list order.
func (s *RedisStore) ReadAll(ctx context.Context) ([]models.Lesson, error) {
	res, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return res.Lessons(), nil
}

// Scan reads the list; the offset of a corrupt record is its list index.
func (s *RedisStore) Scan(ctx context.Context) (*ScanResult, error) {
	items, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read lessons from redis: %w", err)
	}
	res := &ScanResult{}
	for i, item := range items {
		env, err := DecodeEnvelope([]byte(item), int64(i))
		if err != nil {
			var corrupt *CorruptRecordError
			if !errors.As(err, &corrupt) {
				return nil, err
			}
			log.Printf("[LessonStore] Warning: skipping %v in redis key %s", corrupt, s.key)
			res.Corrupt = append(res.Corrupt, corrupt)
			continue
		}
		res.Envelopes = append(res.Envelopes, env)
	}
	return res, nil
}

// Close closes the client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
