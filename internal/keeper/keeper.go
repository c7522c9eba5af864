// Package keeper wires the vault together: configuration, logging, the
// document source, the shadow index, the workflow engine, and the change
// detector. Everything the CLI does goes through a Keeper.
package keeper

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/embed"
	"github.com/kingrea/loom/internal/engine"
	"github.com/kingrea/loom/internal/flows"
	"github.com/kingrea/loom/internal/index"
	"github.com/kingrea/loom/internal/logging"
	"github.com/kingrea/loom/internal/storage"
	"github.com/kingrea/loom/internal/summarize"
	"github.com/kingrea/loom/internal/watcher"
)

// Keeper owns the long-lived handles for one vault.
type Keeper struct {
	cfg      config.Config
	logger   logging.Sink
	closer   func() error
	db       *sql.DB
	source   document.Source
	index    *index.Store
	engine   *engine.Engine
	detector *watcher.Detector
	clock    func() time.Time

	summarizer summarize.Service
	embedder   embed.Service
}

// Option adjusts construction, mostly for tests.
type Option func(*Keeper)

// WithClock substitutes the time source everywhere downstream.
func WithClock(clock func() time.Time) Option {
	return func(k *Keeper) {
		k.clock = clock
	}
}

// WithSummarizer installs a summarization backend for extract-memories.
func WithSummarizer(s summarize.Service) Option {
	return func(k *Keeper) {
		k.summarizer = s
	}
}

// WithEmbedder installs an embedding backend for the create/update flows.
func WithEmbedder(e embed.Service) Option {
	return func(k *Keeper) {
		k.embedder = e
	}
}

// WithLogger replaces the file logger, e.g. with logging.Discard in tests.
func WithLogger(sink logging.Sink) Option {
	return func(k *Keeper) {
		k.logger = sink
		k.closer = nil
	}
}

// New opens the vault described by cfg. The .loom directory must already
// exist (run Init first).
func New(cfg config.Config, opts ...Option) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Keeper{
		cfg:        cfg,
		clock:      time.Now,
		summarizer: summarize.Disabled{},
		embedder:   embed.Disabled{},
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		logger, err := logging.New(cfg.LoomDir())
		if err != nil {
			return nil, err
		}
		k.logger = logger
		k.closer = logger.Close
	}
	if cfg.Summarize {
		if _, disabled := k.summarizer.(summarize.Disabled); disabled {
			k.logger.Printf("keeper: summarize enabled in config but no backend is configured")
		}
	}
	if cfg.Embed {
		if _, disabled := k.embedder.(embed.Disabled); disabled {
			k.logger.Printf("keeper: embed enabled in config but no backend is configured")
		}
	}
	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	k.db = db
	k.source = document.NewFSSource(cfg.VaultDir)
	k.index, err = index.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	execStore, err := engine.NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	registry := engine.NewRegistry()
	if err := flows.Register(registry, flows.Deps{
		Source:     k.source,
		Index:      k.index,
		Summarizer: k.summarizer,
		Logger:     k.logger,
		Clock:      k.clock,
		TTL:        cfg.SoftDeleteTTL.Std(),
		Embedder:   k.embedder,
	}); err != nil {
		db.Close()
		return nil, err
	}
	k.engine, err = engine.New(registry, execStore,
		engine.WithLogger(k.logger),
		engine.WithClock(k.clock),
		engine.WithWorkers(cfg.Workers),
		engine.WithMaxAttempts(cfg.MaxStepAttempts),
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	k.detector = watcher.New(cfg.VaultDir, cfg.Debounce.Std(), cfg.Exclude,
		watcher.WithLogger(k.logger),
		watcher.WithClock(k.clock),
	)
	return k, nil
}

// Close releases the database and log file handles.
func (k *Keeper) Close() error {
	var first error
	if k.db != nil {
		if err := k.db.Close(); err != nil {
			first = err
		}
	}
	if k.closer != nil {
		if err := k.closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run recovers interrupted executions, reconciles the index against the
// vault, then serves mutations until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.engine.Resume(); err != nil {
		return err
	}
	missed, err := watcher.Reconcile(k.source, k.index, k.clock())
	if err != nil {
		return err
	}
	for _, m := range missed {
		if _, err := k.dispatch(m); err != nil {
			k.logger.Printf("keeper: reconcile dispatch %s: %v", m.Path, err)
		}
	}
	if len(missed) > 0 {
		k.logger.Printf("keeper: reconciled %d offline changes", len(missed))
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- k.detector.Run(ctx)
	}()
	go func() {
		errCh <- k.engine.Run(ctx)
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return err
			}
		case m := <-k.detector.Events():
			if _, err := k.dispatch(m); err != nil {
				k.logger.Printf("keeper: dispatch %s %s: %v", m.Kind, m.Path, err)
			}
		}
	}
}

// dispatch starts the workflow matching a settled mutation. The idempotency
// key makes redelivery of the same settled event a no-op.
func (k *Keeper) dispatch(m watcher.Mutation) (string, error) {
	var def string
	switch m.Kind {
	case watcher.KindCreated:
		def = flows.DefOnCreated
	case watcher.KindUpdated:
		def = flows.DefOnUpdated
	case watcher.KindDeleted:
		def = flows.DefOnDeleted
	default:
		return "", fmt.Errorf("keeper: unknown mutation kind %q", m.Kind)
	}
	return k.engine.Start(def, flows.MutationInput{
		Path: m.Path,
		Kind: string(m.Kind),
		At:   m.At,
	}, engine.StartOptions{
		IdempotencyKey: fmt.Sprintf("%s|%s|%d", m.Path, m.Kind, m.At.UnixNano()),
		LeaseKey:       m.Path,
	})
}

// TriggerMutation injects a synthetic mutation, bypassing the filesystem
// watcher. Used by the trigger subcommand and by tests.
func (k *Keeper) TriggerMutation(path string, kind watcher.Kind) (string, error) {
	return k.dispatch(watcher.Mutation{Path: path, Kind: kind, At: k.clock()})
}

// ValidateDocument starts an on-demand schema validation workflow.
func (k *Keeper) ValidateDocument(path string, autoFix bool) (string, error) {
	return k.engine.Start(flows.DefValidateSchema, flows.ValidateInput{
		Path:    path,
		AutoFix: autoFix,
	}, engine.StartOptions{LeaseKey: path})
}

// ExtractMemories starts an on-demand memory extraction workflow.
func (k *Keeper) ExtractMemories(path string) (string, error) {
	return k.engine.Start(flows.DefExtractMemories, flows.MemoriesInput{
		Path: path,
	}, engine.StartOptions{LeaseKey: path})
}

// GetGraphNode returns the indexed node for a path.
func (k *Keeper) GetGraphNode(path string) (index.Node, error) {
	return k.index.Get(path)
}

// QueryByTag returns live nodes carrying the tag.
func (k *Keeper) QueryByTag(tag string) ([]index.Node, error) {
	return k.index.FindByTag(tag)
}

// GetBacklinks returns paths of live documents linking to the given one.
func (k *Keeper) GetBacklinks(path string) ([]string, error) {
	return k.index.Backlinks(path)
}

// GetExecutionStatus returns a point-in-time execution snapshot.
func (k *Keeper) GetExecutionStatus(id string) (engine.Execution, error) {
	return k.engine.Status(id)
}

// Rebuild drops and repopulates the shadow index from the vault.
func (k *Keeper) Rebuild() error {
	return k.index.RebuildAll(k.source, k.clock())
}
