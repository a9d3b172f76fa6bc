package lessonstore

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/lessonloop/internal/database"
	"github.com/jordanhubbard/lessonloop/pkg/config"
	"github.com/jordanhubbard/lessonloop/pkg/models"
)

// SQLStore adapts a SQL database to the Store contract.
type SQLStore struct {
	DB *database.Database
}

func (s *SQLStore) Append(ctx context.Context, lessons []models.Lesson) error {
	return s.DB.AppendLessons(ctx, lessons)
}

func (s *SQLStore) ReadAll(ctx context.Context) ([]models.Lesson, error) {
	return s.DB.ReadLessons(ctx)
}

// Recent pushes the scope filter and limit down to the database.
func (s *SQLStore) Recent(ctx context.Context, scope models.Scope, limit int) ([]models.Lesson, error) {
	var scopes []models.Scope
	for _, sc := range []models.Scope{models.ScopeGlobal, models.ScopeDataset, models.ScopeProfile} {
		if scope.Covers(sc) {
			scopes = append(scopes, sc)
		}
	}
	return s.DB.RecentLessons(ctx, scopes, limit)
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}

// Open returns the backend selected by cfg.Store.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case "", config.BackendFile:
		return NewFileStore(cfg.StorePath())
	case config.BackendSQLite:
		db, err := database.New(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		return &SQLStore{DB: db}, nil
	case config.BackendPostgres:
		db, err := database.NewPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return &SQLStore{DB: db}, nil
	case config.BackendRedis:
		return NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Store.RedisKey)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
