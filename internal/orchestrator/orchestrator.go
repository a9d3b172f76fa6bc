// Package orchestrator runs the two phases of an evaluation cycle. Pre-run
// composes and gates a candidate configuration and selects the active one.
// Post-run extracts lessons from the run result, records them and refreshes
// the evolution graph. Both phases publish the cycle's state snapshot.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/jordanhubbard/lessonloop/internal/configs"
	"github.com/jordanhubbard/lessonloop/internal/evolution"
	"github.com/jordanhubbard/lessonloop/internal/files"
	"github.com/jordanhubbard/lessonloop/internal/lessonstore"
	"github.com/jordanhubbard/lessonloop/internal/metrics"
	"github.com/jordanhubbard/lessonloop/internal/telemetry"
	"github.com/jordanhubbard/lessonloop/pkg/config"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"
)

// ErrNoState is returned when a phase needs a snapshot that does not exist yet.
var ErrNoState = errors.New("no state snapshot in workspace")

// Orchestrator holds everything one invocation needs. It is built per
// process and passed explicitly; nothing is global.
type Orchestrator struct {
	cfg     *config.Config
	ws      *files.Workspace
	repo    *configs.Repository
	store   lessonstore.Store
	tracker *evolution.Tracker
	metrics *metrics.Metrics

	now       func() time.Time
	entropy   io.Reader
	onCycle   func(cycleID string)
	ownsStore bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore injects a lesson store instead of opening the configured backend.
func WithStore(s lessonstore.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithClock overrides the time source for every artifact.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithEntropy overrides the randomness used for lesson ids.
func WithEntropy(r io.Reader) Option {
	return func(o *Orchestrator) { o.entropy = r }
}

// WithCycleHook registers fn to be called with the cycle id once a phase
// knows which cycle it belongs to.
func WithCycleHook(fn func(cycleID string)) Option {
	return func(o *Orchestrator) { o.onCycle = fn }
}

// New validates cfg, prepares the workspace and opens the lesson store.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ws, err := files.NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	repo, err := configs.NewRepository(ws.MustPath(files.ConfigsDir))
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		ws:      ws,
		repo:    repo,
		tracker: evolution.NewTracker(repo, ws),
		metrics: metrics.NewMetrics(),
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.store == nil {
		store, err := lessonstore.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open lesson store: %w", err)
		}
		o.store = store
		o.ownsStore = true
	}
	return o, nil
}

func (o *Orchestrator) cycleStarted(id string) {
	if o.onCycle != nil {
		o.onCycle(id)
	}
}

// Close releases the lesson store if the orchestrator opened it.
func (o *Orchestrator) Close() error {
	if o.ownsStore && o.store != nil {
		return o.store.Close()
	}
	return nil
}

// Workspace exposes the artifact root.
func (o *Orchestrator) Workspace() *files.Workspace {
	return o.ws
}

// Configs exposes the configuration repository.
func (o *Orchestrator) Configs() *configs.Repository {
	return o.repo
}

// Store exposes the lesson store.
func (o *Orchestrator) Store() lessonstore.Store {
	return o.store
}

// Tracker exposes the evolution tracker.
func (o *Orchestrator) Tracker() *evolution.Tracker {
	return o.tracker
}

// ReadState loads state.json.
func (o *Orchestrator) ReadState() (*models.Snapshot, error) {
	data, err := o.ws.ReadFile(files.StateFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &snap, nil
}

func (o *Orchestrator) writeState(snap *models.Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	path, err := o.ws.WriteFile(files.StateFile, append(data, '\n'))
	if err != nil {
		return "", fmt.Errorf("failed to write state: %w", err)
	}
	return path, nil
}

// readLessons loads the log, counting skipped records when the backend
// reports them.
func (o *Orchestrator) readLessons(ctx context.Context) ([]models.Lesson, error) {
	start := o.now()
	defer func() {
		o.metrics.StoreReadDuration.WithLabelValues(o.backend()).Observe(o.now().Sub(start).Seconds())
	}()

	if scanner, ok := o.store.(interface {
		Scan(context.Context) (*lessonstore.ScanResult, error)
	}); ok {
		res, err := scanner.Scan(ctx)
		if err != nil {
			return nil, err
		}
		o.metrics.StoreCorruptRecords.Add(float64(len(res.Corrupt)))
		return res.Lessons(), nil
	}
	return o.store.ReadAll(ctx)
}

func (o *Orchestrator) backend() string {
	if o.cfg.Store.Backend == "" {
		return config.BackendFile
	}
	return o.cfg.Store.Backend
}

// finishPhase records phase metrics and exports the textfile if configured.
func (o *Orchestrator) finishPhase(ctx context.Context, phase string, start time.Time, err error) {
	elapsed := o.now().Sub(start)
	o.metrics.RecordPhase(phase, err == nil, elapsed.Seconds())
	telemetry.PhaseLatency.Record(ctx, float64(elapsed.Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("phase", phase)))
	if path := o.cfg.Metrics.Textfile; path != "" {
		if werr := o.metrics.WriteTextfile(path); werr != nil {
			log.Printf("[Orchestrator] Warning: %v", werr)
		}
	}
}

// LoadRunResult reads a run result document. JSON is chosen by extension;
// anything else is parsed as YAML.
func LoadRunResult(path string) (*models.RunResult, error) {
	data, err := files.ReadLimited(path, 8<<20)
	if err != nil {
		return nil, fmt.Errorf("failed to read run result: %w", err)
	}
	var run models.RunResult
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &run)
	} else {
		err = yaml.Unmarshal(data, &run)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse run result %s: %w", path, err)
	}
	if run.RunID == "" {
		run.RunID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &run, nil
}
