// Package configs reads and writes configuration files with their lineage
// metadata. Files are YAML documents named <name>.yaml.
package configs

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jordanhubbard/lessonloop/internal/files"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const fileExt = ".yaml"

// maxParallelLoads bounds concurrent file reads in List.
const maxParallelLoads = 8

// Repository stores configurations in one directory.
type Repository struct {
	dir string
}

// NewRepository creates a repository rooted at dir, creating it if needed.
func NewRepository(dir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create configs directory: %w", err)
	}
	return &Repository{dir: dir}, nil
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Path returns the file path for a configuration name.
func (r *Repository) Path(name string) string {
	return filepath.Join(r.dir, name+fileExt)
}

// Exists reports whether a configuration with this name is stored.
func (r *Repository) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(r.Path(name))
	return err == nil
}

// Get loads a stored configuration by name.
func (r *Repository) Get(name string) (*models.Configuration, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	cfg, err := LoadFile(r.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", models.ErrConfigNotFound, name)
	}
	return cfg, err
}

// Save writes cfg atomically and returns its path.
func (r *Repository) Save(cfg *models.Configuration) (string, error) {
	if err := ValidateName(cfg.Name); err != nil {
		return "", err
	}
	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}
	path := r.Path(cfg.Name)
	if err := files.WriteAtomic(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save configuration %s: %w", cfg.Name, err)
	}
	return path, nil
}

// Import stores cfg under its own name unless an identical configuration is
// already present. A different configuration with the same name is an error:
// stored configurations are never overwritten by imports.
func (r *Repository) Import(cfg *models.Configuration) (string, error) {
	if r.Exists(cfg.Name) {
		existing, err := r.Get(cfg.Name)
		if err != nil {
			return "", err
		}
		if Fingerprint(existing.Params) != Fingerprint(cfg.Params) {
			return "", fmt.Errorf("configuration %s already exists with different params", cfg.Name)
		}
		return r.Path(cfg.Name), nil
	}
	return r.Save(cfg)
}

// List loads every configuration in the directory, sorted by name.
func (r *Repository) List(ctx context.Context) ([]*models.Configuration, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read configs directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, e.Name()))
	}

	out := make([]*models.Configuration, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLoads)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cfg, err := LoadFile(path)
			if err != nil {
				return err
			}
			out[i] = cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadFile reads one configuration document. A missing name is taken from
// the file name.
func LoadFile(path string) (*models.Configuration, error) {
	data, err := files.ReadLimited(path, 8<<20)
	if err != nil {
		return nil, err
	}
	cfg, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return cfg, nil
}

// Unmarshal decodes a configuration from YAML (JSON is accepted as a YAML subset).
func Unmarshal(data []byte) (*models.Configuration, error) {
	var cfg models.Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	normalize(&cfg)
	for k, v := range cfg.Params {
		if !isScalar(v) {
			return nil, fmt.Errorf("%w: %s holds a non-scalar value", models.ErrInvalidConfigKey, k)
		}
	}
	return &cfg, nil
}

// Marshal encodes a configuration as canonical YAML. Map keys are emitted in
// sorted order, so equal configurations always produce identical bytes.
func Marshal(cfg *models.Configuration) ([]byte, error) {
	c := cfg.Clone()
	normalize(c)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode configuration %s: %w", cfg.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fingerprint is a BLAKE2b-256 digest of the canonical JSON encoding of params.
func Fingerprint(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	canonical := make(map[string]any, len(params))
	for k, v := range params {
		// Fold integers and floats together so 8 and 8.0 hash alike.
		if f, ok := models.ToFloat(v); ok {
			canonical[k] = f
			continue
		}
		canonical[k] = v
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", canonical))
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateName rejects names that cannot be used as a file name in the repository.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: configuration name is required", models.ErrInvalidConfigKey)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: configuration name %q", models.ErrInvalidConfigKey, name)
	}
	return nil
}

func normalize(cfg *models.Configuration) {
	if cfg.Params == nil {
		cfg.Params = map[string]any{}
	}
	if cfg.Metadata.AppliedLessons == nil {
		cfg.Metadata.AppliedLessons = []string{}
	}
	if cfg.Metadata.DerivedFrom != nil && *cfg.Metadata.DerivedFrom == "" {
		cfg.Metadata.DerivedFrom = nil
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool:
		return true
	}
	_, ok := models.ToFloat(v)
	return ok
}
