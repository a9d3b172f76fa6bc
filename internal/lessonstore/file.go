package lessonstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jordanhubbard/lessonloop/internal/files"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"golang.org/x/sys/unix"
)

// maxRecordBytes bounds a single batch line.
const maxRecordBytes = 16 << 20

// FileStore is a JSON-lines log with one batch envelope per line. A sidecar
// lock file serializes writers and keeps readers off half-written lines.
type FileStore struct {
	path     string
	lockPath string
	now      func() time.Time
}

// NewFileStore opens (creating if needed) the log at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lesson store directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lesson store: %w", err)
	}
	f.Close()
	return &FileStore{path: path, lockPath: path + ".lock", now: time.Now}, nil
}

// Path returns the log file location.
func (s *FileStore) Path() string {
	return s.path
}

// Close releases nothing; locks are held only for the duration of a call.
func (s *FileStore) Close() error {
	return nil
}

// Append writes lessons as one line. An empty batch is a no-op.
func (s *FileStore) Append(ctx context.Context, lessons []models.Lesson) error {
	if len(lessons) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := NewEnvelope(lessons, s.now())
	if err != nil {
		return err
	}
	line, err := env.Encode()
	if err != nil {
		return err
	}
	line = append(line, '\n')

	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lesson store: %w", err)
	}
	defer f.Close()

	// A crash mid-write leaves a torn tail without a newline. Terminate it so
	// the new batch starts on its own line and the torn one stays isolated.
	if torn, err := missingTrailingNewline(f); err != nil {
		return fmt.Errorf("failed to inspect lesson store tail: %w", err)
	} else if torn {
		log.Printf("[LessonStore] Warning: repairing torn tail in %s", s.path)
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("failed to repair lesson store tail: %w", err)
		}
	}

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append batch %s: %w", env.Batch, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync lesson store: %w", err)
	}

	log.Printf("[LessonStore] Appended batch %s with %d lesson(s)", env.Batch, len(env.Lessons))
	return nil
}

// ReadAll returns every lesson from readable batches, in append order.
func (s *FileStore) ReadAll(ctx context.Context) ([]models.Lesson, error) {
	res, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return res.Lessons(), nil
}

// Scan reads the whole log under a shared lock and reports skipped records.
func (s *FileStore) Scan(ctx context.Context) (*ScanResult, error) {
	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.scanLocked(ctx)
}

func (s *FileStore) scanLocked(ctx context.Context) (*ScanResult, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &ScanResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open lesson store: %w", err)
	}
	defer f.Close()

	res := &ScanResult{}
	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, readErr := r.ReadBytes('\n')
		start := offset
		offset += int64(len(line))

		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			body := bytes.TrimSpace(line)
			switch {
			case len(body) == 0:
			case len(body) > maxRecordBytes:
				s.skip(res, &CorruptRecordError{Offset: start, Reason: "record exceeds size limit"})
			default:
				env, err := DecodeEnvelope(body, start)
				if err != nil {
					var corrupt *CorruptRecordError
					if errors.As(err, &corrupt) {
						if !complete {
							corrupt.Reason = "torn record: " + corrupt.Reason
						}
						s.skip(res, corrupt)
						break
					}
					return nil, err
				}
				res.Envelopes = append(res.Envelopes, env)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read lesson store: %w", readErr)
		}
	}
	return res, nil
}

func (s *FileStore) skip(res *ScanResult, corrupt *CorruptRecordError) {
	log.Printf("[LessonStore] Warning: skipping %v in %s", corrupt, s.path)
	res.Corrupt = append(res.Corrupt, corrupt)
}

// Compact rewrites the log with only readable batches. The old file is
// replaced atomically; a crash leaves either the old or the new log.
func (s *FileStore) Compact(ctx context.Context) (*ScanResult, error) {
	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := s.scanLocked(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Corrupt) == 0 {
		return res, nil
	}

	var buf bytes.Buffer
	for _, env := range res.Envelopes {
		line, err := env.Encode()
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := files.WriteAtomic(s.path, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to compact lesson store: %w", err)
	}
	log.Printf("[LessonStore] Compacted %s: kept %d batch(es), dropped %d corrupt record(s)",
		s.path, len(res.Envelopes), len(res.Corrupt))
	return res, nil
}

// lock takes a flock on the sidecar file. The returned func releases it.
func (s *FileStore) lock(how int) (func(), error) {
	lf, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	for {
		err = unix.Flock(int(lf.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("failed to lock lesson store: %w", err)
	}
	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
	}, nil
}

func missingTrailingNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}
