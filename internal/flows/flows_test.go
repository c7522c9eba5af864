package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/engine"
	"github.com/kingrea/loom/internal/index"
	"github.com/kingrea/loom/internal/storage"
	"github.com/kingrea/loom/internal/summarize"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	src   *document.FSSource
	idx   *index.Store
	eng   *engine.Engine
	store *engine.SQLStore
	clock *fakeClock
}

func newHarness(t *testing.T, ttl time.Duration, svc summarize.Service, mods ...func(*Deps)) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
	src := document.NewFSSource(t.TempDir())
	db, err := storage.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	idx, err := index.NewStore(db)
	if err != nil {
		t.Fatalf("index store: %v", err)
	}
	execStore, err := engine.NewSQLStore(db)
	if err != nil {
		t.Fatalf("exec store: %v", err)
	}
	registry := engine.NewRegistry()
	deps := Deps{
		Source:     src,
		Index:      idx,
		Summarizer: svc,
		Clock:      clock.Now,
		TTL:        ttl,
	}
	for _, mod := range mods {
		mod(&deps)
	}
	if err := Register(registry, deps); err != nil {
		t.Fatalf("register flows: %v", err)
	}
	eng, err := engine.New(registry, execStore,
		engine.WithClock(clock.Now),
		engine.WithPollInterval(5*time.Millisecond),
		engine.WithChildPoll(time.Millisecond),
		engine.WithWorkers(4),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	t.Cleanup(cancel)
	return &harness{src: src, idx: idx, eng: eng, store: execStore, clock: clock}
}

func (h *harness) write(t *testing.T, rel string, fm document.Frontmatter, body string) {
	t.Helper()
	if err := h.src.Write(rel, document.Document{Frontmatter: fm, Body: []byte(body)}); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// indexDoc seeds the shadow index the way a completed ingest would have.
func (h *harness) indexDoc(t *testing.T, rel string) {
	t.Helper()
	doc, err := h.src.Read(rel)
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	node := index.Node{
		Path:        rel,
		Type:        document.TypeForPath(rel),
		Frontmatter: doc.Frontmatter,
		Tags:        doc.Frontmatter.Tags(),
		ContentHash: document.ContentHash(doc),
	}
	if err := h.idx.Upsert(node, h.clock.Now()); err != nil {
		t.Fatalf("index %s: %v", rel, err)
	}
	if err := h.idx.PutEdges(rel, document.ExtractWikilinks(doc.Body), h.clock.Now()); err != nil {
		t.Fatalf("edges %s: %v", rel, err)
	}
}

func (h *harness) startMutation(t *testing.T, def, path string) string {
	t.Helper()
	id, err := h.eng.Start(def, MutationInput{Path: path, Kind: strings.TrimPrefix(def, "on-"), At: h.clock.Now()},
		engine.StartOptions{LeaseKey: path})
	if err != nil {
		t.Fatalf("start %s: %v", def, err)
	}
	return id
}

func (h *harness) waitStatus(t *testing.T, id string, want engine.Status) engine.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := h.eng.Status(id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if exec.Status == want {
			return exec
		}
		if exec.Status.Terminal() {
			t.Fatalf("execution %s settled as %s (%s), want %s", id, exec.Status, exec.Error, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s", id, want)
	return engine.Execution{}
}

// waitIdle blocks until no execution is pending, running, or due to wake.
func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := h.store.NonTerminal()
		if err != nil {
			t.Fatalf("non-terminal: %v", err)
		}
		busy := false
		for _, e := range execs {
			if e.WakeAt == nil || !e.WakeAt.After(h.clock.Now()) {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("executions never drained")
}

func (h *harness) mustRead(t *testing.T, rel string) document.Document {
	t.Helper()
	doc, err := h.src.Read(rel)
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return doc
}

func TestOnCreatedIngestsResolvesAndBackReferences(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.write(t, "concepts/rate-limiting.md", document.Frontmatter{
		"id": "rl-1", "title": "Rate Limiting", "created": "2026-01-01", "status": "draft",
	}, "Token buckets.\n")
	h.indexDoc(t, "concepts/rate-limiting.md")
	h.write(t, "concepts/caching.md", document.Frontmatter{}, "Depends on [[Rate Limiting]].\n")

	id := h.startMutation(t, DefOnCreated, "concepts/caching.md")
	h.waitStatus(t, id, engine.StatusCompleted)
	h.waitIdle(t)

	// Auto-fix wrote the required fields back to disk.
	doc := h.mustRead(t, "concepts/caching.md")
	if doc.Frontmatter.ID() == "" || doc.Frontmatter.Created() == "" {
		t.Fatalf("frontmatter not fixed on disk: %v", doc.Frontmatter)
	}
	if doc.Frontmatter.Status() != "draft" {
		t.Fatalf("status = %q, want draft default", doc.Frontmatter.Status())
	}

	node, err := h.idx.Get("concepts/caching.md")
	if err != nil {
		t.Fatalf("node not indexed: %v", err)
	}
	if len(node.Warnings) != 0 {
		t.Fatalf("warnings after autofix: %v", node.Warnings)
	}

	// The ensure-link child resolved the edge and appended a back-reference.
	edges, err := h.idx.Edges("concepts/caching.md")
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetPath != "concepts/rate-limiting.md" {
		t.Fatalf("edges = %+v, want resolved Rate Limiting edge", edges)
	}
	target := h.mustRead(t, "concepts/rate-limiting.md")
	if !bytes.Contains(target.Body, []byte("[[caching]]")) {
		t.Fatalf("target lacks back-reference: %q", target.Body)
	}
	backs, err := h.idx.Backlinks("concepts/rate-limiting.md")
	if err != nil {
		t.Fatalf("backlinks: %v", err)
	}
	if len(backs) != 1 || backs[0] != "concepts/caching.md" {
		t.Fatalf("backlinks = %v", backs)
	}
}

func TestEnsureLinkCreatesPlaceholderForUnknownLabel(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.write(t, "notes/spark.md", document.Frontmatter{"id": "s1", "title": "Spark", "created": "2026-01-01"},
		"Explore [[Brand New Idea]].\n")

	id := h.startMutation(t, DefOnCreated, "notes/spark.md")
	h.waitStatus(t, id, engine.StatusCompleted)
	h.waitIdle(t)

	placeholder := h.mustRead(t, "brand-new-idea.md")
	tags := placeholder.Frontmatter.Tags()
	if len(tags) != 1 || tags[0] != "placeholder" {
		t.Fatalf("placeholder tags = %v", tags)
	}
	if !bytes.Contains(placeholder.Body, []byte("[[spark]]")) {
		t.Fatalf("placeholder lacks back-reference: %q", placeholder.Body)
	}
	edges, err := h.idx.Edges("notes/spark.md")
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetPath != "brand-new-idea.md" {
		t.Fatalf("edge not resolved to the placeholder: %+v", edges)
	}
}

func TestEnsureLinkAmbiguousLabelStaysUnresolved(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	for _, rel := range []string{"concepts/cache.md", "notes/cache.md"} {
		h.write(t, rel, document.Frontmatter{"id": rel, "title": "Cache", "created": "2026-01-01", "status": "draft"}, "x\n")
		h.indexDoc(t, rel)
	}
	h.write(t, "a.md", document.Frontmatter{"id": "a", "title": "A", "created": "2026-01-01"}, "See [[cache]].\n")

	id := h.startMutation(t, DefOnCreated, "a.md")
	h.waitStatus(t, id, engine.StatusCompleted)
	h.waitIdle(t)

	edges, err := h.idx.Edges("a.md")
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetPath != "" {
		t.Fatalf("ambiguous edge should stay unresolved: %+v", edges)
	}
	for _, rel := range []string{"concepts/cache.md", "notes/cache.md"} {
		doc := h.mustRead(t, rel)
		if bytes.Contains(doc.Body, []byte("[[a]]")) {
			t.Fatalf("%s gained a back-reference despite ambiguity", rel)
		}
	}
}

func TestOnUpdatedUnchangedContentShortCircuits(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.write(t, "notes/n.md", document.Frontmatter{"id": "n", "title": "N", "created": "2026-01-01"},
		"Links [[elsewhere]].\n")
	h.indexDoc(t, "notes/n.md")

	id := h.startMutation(t, DefOnUpdated, "notes/n.md")
	exec := h.waitStatus(t, id, engine.StatusCompleted)
	if _, ok := exec.StepFor("touch"); !ok {
		t.Fatalf("touch step missing; steps = %+v", exec.Steps)
	}
	if _, ok := exec.StepFor("edges"); ok {
		t.Fatalf("unchanged content still reprocessed edges")
	}
	if len(exec.ChildIDs) != 0 {
		t.Fatalf("unchanged content spawned children: %v", exec.ChildIDs)
	}
}

func TestOnUpdatedOnlyNewLinksFanOut(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.write(t, "concepts/old-target.md", document.Frontmatter{"id": "o", "title": "Old Target", "created": "2026-01-01", "status": "draft"}, "x\n")
	h.indexDoc(t, "concepts/old-target.md")
	h.write(t, "notes/n.md", document.Frontmatter{"id": "n", "title": "N", "created": "2026-01-01"},
		"See [[Old Target]].\n")
	h.indexDoc(t, "notes/n.md")

	h.write(t, "notes/n.md", document.Frontmatter{"id": "n", "title": "N", "created": "2026-01-01"},
		"See [[Old Target]] and now [[New Target]].\n")
	id := h.startMutation(t, DefOnUpdated, "notes/n.md")
	exec := h.waitStatus(t, id, engine.StatusCompleted)
	h.waitIdle(t)

	if len(exec.ChildIDs) != 1 {
		t.Fatalf("children = %v, want one ensure-link for the added label", exec.ChildIDs)
	}
	child, err := h.eng.Status(exec.ChildIDs[0])
	if err != nil {
		t.Fatalf("child status: %v", err)
	}
	var in LinkInput
	if err := json.Unmarshal(child.Input, &in); err != nil {
		t.Fatalf("child input: %v", err)
	}
	if in.Label != "New Target" {
		t.Fatalf("child label = %q, want New Target", in.Label)
	}
}

func TestOnUpdatedTerminalStatusClearsDependents(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.write(t, "decisions/use-sqlite.md", document.Frontmatter{
		"id": "d1", "title": "Use SQLite", "created": "2026-01-01", "status": "open",
	}, "Pending.\n")
	h.indexDoc(t, "decisions/use-sqlite.md")
	h.write(t, "concepts/storage.md", document.Frontmatter{
		"id": "c1", "title": "Storage", "created": "2026-01-01", "status": "draft",
		"depends_on": []string{"use-sqlite", "something-else"},
	}, "Uses the decision.\n")
	h.indexDoc(t, "concepts/storage.md")

	h.write(t, "decisions/use-sqlite.md", document.Frontmatter{
		"id": "d1", "title": "Use SQLite", "created": "2026-01-01", "status": "decided",
	}, "Decided.\n")
	id := h.startMutation(t, DefOnUpdated, "decisions/use-sqlite.md")
	h.waitStatus(t, id, engine.StatusCompleted)
	h.waitIdle(t)

	dependent := h.mustRead(t, "concepts/storage.md")
	deps := dependent.Frontmatter.DependsOn()
	if len(deps) != 1 || deps[0] != "something-else" {
		t.Fatalf("depends_on = %v, want only something-else", deps)
	}
	if !bytes.Contains(dependent.Body, []byte("decisions/use-sqlite.md")) ||
		!bytes.Contains(dependent.Body, []byte("cleared automatically")) {
		t.Fatalf("missing annotation: %q", dependent.Body)
	}
}

func TestOnDeletedSoftDeleteThenSweep(t *testing.T) {
	ttl := time.Hour
	h := newHarness(t, ttl, nil)
	h.write(t, "concepts/target.md", document.Frontmatter{"id": "t1", "title": "Target", "created": "2026-01-01", "status": "draft"}, "x\n")
	h.indexDoc(t, "concepts/target.md")
	h.write(t, "notes/referrer.md", document.Frontmatter{"id": "r1", "title": "Referrer", "created": "2026-01-01"}, "See [[Target]].\n")
	h.indexDoc(t, "notes/referrer.md")
	if err := h.idx.ResolveEdge("notes/referrer.md", "Target", "concepts/target.md"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := h.src.Remove("concepts/target.md"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	id := h.startMutation(t, DefOnDeleted, "concepts/target.md")
	exec := h.waitStatus(t, id, engine.StatusSuspended)
	if exec.WakeAt == nil {
		t.Fatalf("suspended without a wake time")
	}

	if _, err := h.idx.Get("concepts/target.md"); !errors.Is(err, index.ErrNodeNotFound) {
		t.Fatalf("soft-deleted node still visible: %v", err)
	}
	if _, err := h.idx.GetIncludingDeleted("concepts/target.md"); err != nil {
		t.Fatalf("row gone before the TTL: %v", err)
	}
	referrer := h.mustRead(t, "notes/referrer.md")
	if !bytes.Contains(referrer.Body, []byte("Dangling link")) {
		t.Fatalf("referrer not annotated: %q", referrer.Body)
	}
	backs, err := h.idx.Backlinks("concepts/target.md")
	if err != nil {
		t.Fatalf("backlinks: %v", err)
	}
	if len(backs) != 0 {
		t.Fatalf("dangling edges still count as backlinks: %v", backs)
	}

	h.clock.Advance(ttl + time.Minute)
	h.waitStatus(t, id, engine.StatusCompleted)
	if _, err := h.idx.GetIncludingDeleted("concepts/target.md"); !errors.Is(err, index.ErrNodeNotFound) {
		t.Fatalf("row survived the sweep: %v", err)
	}
}

func TestOnDeletedRecreationCancelsSweep(t *testing.T) {
	ttl := time.Hour
	h := newHarness(t, ttl, nil)
	h.write(t, "notes/back.md", document.Frontmatter{"id": "b1", "title": "Back", "created": "2026-01-01"}, "v1\n")
	h.indexDoc(t, "notes/back.md")
	if err := h.src.Remove("notes/back.md"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	id := h.startMutation(t, DefOnDeleted, "notes/back.md")
	h.waitStatus(t, id, engine.StatusSuspended)

	// The path comes back mid-TTL.
	h.clock.Advance(time.Minute)
	h.write(t, "notes/back.md", document.Frontmatter{"id": "b1", "title": "Back", "created": "2026-01-01"}, "v2\n")
	created := h.startMutation(t, DefOnCreated, "notes/back.md")
	h.waitStatus(t, created, engine.StatusCompleted)
	h.waitIdle(t)

	h.clock.Advance(ttl)
	h.waitStatus(t, id, engine.StatusCompleted)
	node, err := h.idx.Get("notes/back.md")
	if err != nil {
		t.Fatalf("recreated node swept anyway: %v", err)
	}
	if node.Deleted() {
		t.Fatalf("recreated node still soft-deleted")
	}
}

func TestValidateSchemaReportsDuplicateIDs(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	for _, rel := range []string{"notes/a.md", "notes/b.md"} {
		h.write(t, rel, document.Frontmatter{"id": "shared", "title": "T", "created": "2026-01-01"}, "x\n")
		h.indexDoc(t, rel)
	}
	id, err := h.eng.Start(DefValidateSchema, ValidateInput{Path: "notes/a.md"}, engine.StartOptions{LeaseKey: "notes/a.md"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, id, engine.StatusCompleted)

	node, err := h.idx.Get("notes/a.md")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	found := false
	for _, w := range node.Warnings {
		if strings.Contains(w, "shared") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want duplicate-id entry", node.Warnings)
	}
}

func TestValidateSchemaAutoFixWritesBack(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.write(t, "concepts/bare.md", document.Frontmatter{}, "x\n")
	id, err := h.eng.Start(DefValidateSchema, ValidateInput{Path: "concepts/bare.md", AutoFix: true},
		engine.StartOptions{LeaseKey: "concepts/bare.md"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, id, engine.StatusCompleted)
	doc := h.mustRead(t, "concepts/bare.md")
	if doc.Frontmatter.ID() == "" || doc.Frontmatter.Status() != "draft" {
		t.Fatalf("frontmatter not fixed: %v", doc.Frontmatter)
	}
}

type stubSummarizer struct {
	memories []summarize.Memory
	tags     []string
}

func (s stubSummarizer) Summarize(context.Context, string) ([]summarize.Memory, error) {
	return s.memories, nil
}

func (s stubSummarizer) SuggestTags(context.Context, string) ([]string, error) {
	return s.tags, nil
}

func TestExtractMemoriesAppendsAndMergesTags(t *testing.T) {
	svc := stubSummarizer{
		memories: []summarize.Memory{{Category: "decision", Content: "SQLite is the store"}},
		tags:     []string{"storage", "existing"},
	}
	h := newHarness(t, time.Hour, svc)
	h.write(t, "notes/meeting.md", document.Frontmatter{
		"id": "m1", "title": "Meeting", "created": "2026-01-01", "tags": []string{"existing"},
	}, "Long discussion.\n")
	h.indexDoc(t, "notes/meeting.md")

	run := func() {
		id, err := h.eng.Start(DefExtractMemories, MemoriesInput{Path: "notes/meeting.md"},
			engine.StartOptions{LeaseKey: "notes/meeting.md"})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		h.waitStatus(t, id, engine.StatusCompleted)
	}
	run()
	run() // second pass must converge, not duplicate

	doc := h.mustRead(t, "notes/meeting.md")
	if n := bytes.Count(doc.Body, []byte("**decision**: SQLite is the store")); n != 1 {
		t.Fatalf("memory line occurs %d times, want 1: %q", n, doc.Body)
	}
	tags := doc.Frontmatter.Tags()
	sort.Strings(tags)
	if strings.Join(tags, ",") != "existing,storage" {
		t.Fatalf("tags = %v, want existing+storage once each", tags)
	}
}

func TestExtractMemoriesDisabledCompletesQuietly(t *testing.T) {
	h := newHarness(t, time.Hour, nil) // Register falls back to summarize.Disabled
	h.write(t, "notes/quiet.md", document.Frontmatter{"id": "q", "title": "Q", "created": "2026-01-01"}, "text\n")
	before := h.mustRead(t, "notes/quiet.md")
	id, err := h.eng.Start(DefExtractMemories, MemoriesInput{Path: "notes/quiet.md"},
		engine.StartOptions{LeaseKey: "notes/quiet.md"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitStatus(t, id, engine.StatusCompleted)
	after := h.mustRead(t, "notes/quiet.md")
	if !bytes.Equal(before.Body, after.Body) {
		t.Fatalf("disabled summarizer modified the document")
	}
}

type stubEmbedder struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubEmbedder) Embed(_ context.Context, path, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, path+"@"+hash)
	return nil
}

func (s *stubEmbedder) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestEmbedderKeyedByContentHash(t *testing.T) {
	emb := &stubEmbedder{}
	h := newHarness(t, time.Hour, nil, func(d *Deps) { d.Embedder = emb })
	h.write(t, "notes/a.md", document.Frontmatter{
		"id": "a1", "title": "A", "created": "2026-01-01",
	}, "First draft.\n")

	id := h.startMutation(t, DefOnCreated, "notes/a.md")
	h.waitStatus(t, id, engine.StatusCompleted)
	calls := emb.snapshot()
	if len(calls) != 1 || !strings.HasPrefix(calls[0], "notes/a.md@") {
		t.Fatalf("embed calls = %v, want one for notes/a.md", calls)
	}

	// Unchanged content short-circuits before the embed step.
	h.clock.Advance(time.Minute)
	id = h.startMutation(t, DefOnUpdated, "notes/a.md")
	h.waitStatus(t, id, engine.StatusCompleted)
	if got := emb.snapshot(); len(got) != 1 {
		t.Fatalf("embed calls after touch = %v, want unchanged", got)
	}

	// Changed content re-embeds under the new hash.
	doc := h.mustRead(t, "notes/a.md")
	doc.Body = []byte("Second draft.\n")
	if err := h.src.Write("notes/a.md", doc); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.clock.Advance(time.Minute)
	id = h.startMutation(t, DefOnUpdated, "notes/a.md")
	h.waitStatus(t, id, engine.StatusCompleted)
	calls = emb.snapshot()
	if len(calls) != 2 {
		t.Fatalf("embed calls = %v, want 2", calls)
	}
	if calls[0] == calls[1] {
		t.Fatalf("re-embed reused the old hash: %v", calls)
	}
}
