package async

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	segtest "github.com/teranos/segpulse/internal/testing"
)

// ============================================================================
// TAS Bot & Kirby Job Universe
// ============================================================================
//
// Characters:
//   - Kirby: owns Dreamland and queues segmentation jobs ('Poyo!')
//   - TAS Bot: accepted editor in Dreamland, cancels with frame precision
//   - Cronos: accepted viewer in Dreamland, watches but may not touch
//   - Meta Knight: invited editor who never accepted
//   - King Dedede: owns Popstar, a project nobody else can see
//
// Theme: Kirby inhales work, TAS Bot stops it on the exact frame, Cronos
// keeps the clock honest.
// ============================================================================

const (
	dreamland = "dreamland"
	popstar   = "popstar"

	kirby      = "kirby"
	tasBot     = "tasbot"
	cronos     = "cronos"
	metaKnight = "metaknight"
	dedede     = "dedede"
)

func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type publishedEvent struct {
	Type    EventType
	Payload interface{}
	Rooms   []string
}

// recordingPublisher records every publish call
type recordingPublisher struct {
	mu       sync.Mutex
	events   []publishedEvent
	err      error
	panicMsg string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType EventType, payload interface{}, rooms ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Payload: payload, Rooms: rooms})
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return p.err
}

func (p *recordingPublisher) ofType(eventType EventType) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// recordingCleaner records which jobs were cleaned up
type recordingCleaner struct {
	mu   sync.Mutex
	jobs []string
}

func (c *recordingCleaner) Cleanup(_ context.Context, job *Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job.ID)
	return nil
}

func (c *recordingCleaner) cleaned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.jobs...)
}

type testEnv struct {
	db      *sql.DB
	store   *Store
	engine  *Engine
	outbox  *Outbox
	pub     *recordingPublisher
	cleaner *recordingCleaner
}

// newTestEnv builds an engine over a migrated in-memory database with
// Dreamland and Popstar seeded
func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()

	conn := segtest.CreateTestDB(t)
	segtest.SeedProject(t, conn, dreamland, kirby, map[string]string{
		tasBot:     "editor",
		cronos:     "viewer",
		metaKnight: "editor?",
	})
	segtest.SeedProject(t, conn, popstar, dedede, nil)

	store := NewStore(conn)
	pub := &recordingPublisher{}
	outbox := NewOutbox(pub, NewStatsAggregator(store), createTestLogger(), 4096)
	outbox.Start(context.Background())
	t.Cleanup(outbox.Close)

	cleaner := &recordingCleaner{}
	base := []EngineOption{WithCleaner(cleaner), WithLogger(createTestLogger())}
	engine := NewEngine(store, NewMemberAccess(conn), outbox, append(base, opts...)...)
	t.Cleanup(engine.WaitCleanups)

	return &testEnv{
		db:      conn,
		store:   store,
		engine:  engine,
		outbox:  outbox,
		pub:     pub,
		cleaner: cleaner,
	}
}

// enqueue queues a segmentation job and fails the test on error
func (env *testEnv) enqueue(t *testing.T, ownerID, projectID, batchID string) *Job {
	t.Helper()
	job, err := env.engine.Enqueue(context.Background(), ownerID, EnqueueRequest{
		Kind:      KindSegmentation,
		ProjectID: projectID,
		BatchID:   batchID,
		Payload:   []byte(`{"image_id":"warp-star"}`),
	})
	require.NoError(t, err)
	return job
}

// settle waits for events and cleanups triggered so far
func (env *testEnv) settle() {
	env.engine.WaitCleanups()
	env.outbox.Flush()
}

func (env *testEnv) status(t *testing.T, jobID string) JobStatus {
	t.Helper()
	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}
