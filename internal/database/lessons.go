package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/lessonloop/pkg/models"
)

// timeLayout has fixed-width fractions so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendLessons writes lessons as one batch inside a single transaction.
func (d *Database) AppendLessons(ctx context.Context, lessons []models.Lesson) error {
	if len(lessons) == 0 {
		return nil
	}
	batch := uuid.NewString()
	now := time.Now().UTC().Format(timeLayout)

	err := d.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.q(`
			INSERT INTO lesson_batches (batch_id, created_at, lesson_count)
			VALUES (?, ?, ?)`),
			batch, now, len(lessons),
		); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, d.q(`
			INSERT INTO lessons (id, batch_id, created_at, scope, pattern, source_run, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("failed to prepare lesson insert: %w", err)
		}
		defer stmt.Close()

		for _, l := range lessons {
			if err := l.Validate(); err != nil {
				return err
			}
			l.Batch = batch
			body, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("failed to encode lesson %s: %w", l.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				l.ID, batch, l.CreatedAt.UTC().Format(timeLayout),
				string(l.Scope), l.Finding.Pattern, l.SourceRun, string(body),
			); err != nil {
				return fmt.Errorf("failed to insert lesson %s: %w", l.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append batch: %w", err)
	}

	log.Printf("[LessonStore] Appended batch %s with %d lesson(s) to %s", batch, len(lessons), d.dialect)
	return nil
}

// ReadLessons returns every lesson in insertion order. Rows whose body cannot
// be decoded are skipped with a warning naming their sequence number.
func (d *Database) ReadLessons(ctx context.Context) ([]models.Lesson, error) {
	return d.queryLessons(ctx, `SELECT seq, body FROM lessons ORDER BY seq`)
}

// RecentLessons returns up to limit lessons recorded at any of scopes,
// newest first (created_at, then id).
func (d *Database) RecentLessons(ctx context.Context, scopes []models.Scope, limit int) ([]models.Lesson, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(scopes))
	args := make([]any, 0, len(scopes)+1)
	for i, s := range scopes {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := `SELECT seq, body FROM lessons WHERE scope IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return d.queryLessons(ctx, query, args...)
}

func (d *Database) queryLessons(ctx context.Context, query string, args ...any) ([]models.Lesson, error) {
	rows, err := d.db.QueryContext(ctx, d.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lessons: %w", err)
	}
	defer rows.Close()

	var lessons []models.Lesson
	var skipped []string
	for rows.Next() {
		var seq int64
		var body []byte
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("failed to scan lesson: %w", err)
		}
		var l models.Lesson
		if err := json.Unmarshal(body, &l); err != nil {
			skipped = append(skipped, fmt.Sprintf("seq=%d: %v", seq, err))
			continue
		}
		lessons = append(lessons, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The log may be persisted through this same handle, so warn only
	// once the connection is released.
	rows.Close()
	for _, s := range skipped {
		log.Printf("[LessonStore] Warning: skipping corrupt lesson row %s", s)
	}
	return lessons, nil
}
