// Package lessonstore persists lessons as an append-only log of batches.
// Every append is atomic: readers observe a batch completely or not at all.
package lessonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jordanhubbard/lessonloop/pkg/models"
)

// Store is the contract every lesson backend satisfies.
type Store interface {
	// Append writes lessons as one batch.
	Append(ctx context.Context, lessons []models.Lesson) error
	// ReadAll returns every readable lesson in append order. Corrupt records
	// are skipped with a warning.
	ReadAll(ctx context.Context) ([]models.Lesson, error)
	Close() error
}

// CorruptRecordError describes a record that could not be decoded or whose
// checksum did not match. Offset is a byte offset for file logs and a list
// index for redis.
type CorruptRecordError struct {
	Offset int64
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt lesson record at offset %d: %s", e.Offset, e.Reason)
}

// Envelope is the unit of atomicity: one appended batch. The checksum
// covers the exact encoded bytes of the lessons array as stored.
type Envelope struct {
	Batch     string
	CreatedAt time.Time
	Checksum  string
	Lessons   []models.Lesson

	raw json.RawMessage
}

// envelopeRecord is the stored form of an Envelope.
type envelopeRecord struct {
	Batch     string          `json:"batch"`
	CreatedAt time.Time       `json:"created_at"`
	Checksum  string          `json:"checksum"`
	Lessons   json.RawMessage `json:"lessons"`
}

// NewEnvelope stamps lessons with a fresh batch id and computes the checksum.
func NewEnvelope(lessons []models.Lesson, now time.Time) (*Envelope, error) {
	batch := uuid.NewString()
	stamped := make([]models.Lesson, len(lessons))
	for i, l := range lessons {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("failed to append batch: %w", err)
		}
		l.Batch = batch
		stamped[i] = l
	}
	raw, err := json.Marshal(stamped)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lessons: %w", err)
	}
	return &Envelope{
		Batch:     batch,
		CreatedAt: now.UTC(),
		Checksum:  checksum(raw),
		Lessons:   stamped,
		raw:       raw,
	}, nil
}

// Encode renders the envelope as a single JSON line without the trailing
// newline. Decoded envelopes re-encode their lessons byte for byte.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(envelopeRecord{
		Batch:     e.Batch,
		CreatedAt: e.CreatedAt,
		Checksum:  e.Checksum,
		Lessons:   e.raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch %s: %w", e.Batch, err)
	}
	return data, nil
}

// DecodeEnvelope parses one record and verifies its checksum against the
// stored lesson bytes before decoding them.
func DecodeEnvelope(data []byte, offset int64) (*Envelope, error) {
	var rec envelopeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptRecordError{Offset: offset, Reason: err.Error()}
	}
	if len(rec.Lessons) == 0 {
		return nil, &CorruptRecordError{Offset: offset, Reason: "missing lessons"}
	}
	if sum := checksum(rec.Lessons); sum != rec.Checksum {
		return nil, &CorruptRecordError{Offset: offset, Reason: fmt.Sprintf("checksum mismatch: have %s, want %s", rec.Checksum, sum)}
	}
	env := &Envelope{
		Batch:     rec.Batch,
		CreatedAt: rec.CreatedAt,
		Checksum:  rec.Checksum,
		raw:       rec.Lessons,
	}
	if err := json.Unmarshal(rec.Lessons, &env.Lessons); err != nil {
		return nil, &CorruptRecordError{Offset: offset, Reason: err.Error()}
	}
	return env, nil
}

func checksum(raw []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}

// ScanResult is a full read of a log, including the records that were skipped.
type ScanResult struct {
	Envelopes []*Envelope
	Corrupt   []*CorruptRecordError
}

// Lessons flattens the readable batches in append order.
func (r *ScanResult) Lessons() []models.Lesson {
	var out []models.Lesson
	for _, env := range r.Envelopes {
		out = append(out, env.Lessons...)
	}
	return out
}

// Filter returns lessons visible at scope, newest first, capped at limit
// (limit <= 0 means no cap).
func Filter(lessons []models.Lesson, scope models.Scope, limit int) []models.Lesson {
	var out []models.Lesson
	for _, l := range lessons {
		if scope.Covers(l.Scope) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Newer(&out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Querier is implemented by backends that can filter by scope themselves.
type Querier interface {
	Recent(ctx context.Context, scope models.Scope, limit int) ([]models.Lesson, error)
}

// Recent returns lessons visible at scope, newest first. Backends that
// implement Querier answer directly; the rest are read in full and filtered.
func Recent(ctx context.Context, store Store, scope models.Scope, limit int) ([]models.Lesson, error) {
	if q, ok := store.(Querier); ok {
		return q.Recent(ctx, scope, limit)
	}
	all, err := store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(all, scope, limit), nil
}
