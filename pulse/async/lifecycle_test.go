package async

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/errors"
)

// TestTASBotStopsTheWholeLevel cancels every active job a user owns in a
// project and checks the project reports one aggregated stats event
func TestTASBotStopsTheWholeLevel(t *testing.T) {
	t.Log("🎮 Kirby queues three jobs, then hits the stop button...")
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.enqueue(t, kirby, dreamland, "")
	}
	env.settle()
	env.pub.reset()

	cancelled, err := env.engine.CancelByScope(ctx, kirby, dreamland, "user requested")
	require.NoError(t, err)
	require.Len(t, cancelled, 3)
	env.settle()

	stats, err := NewStatsAggregator(env.store).ComputeStats(ctx, dreamland, "")
	require.NoError(t, err)
	assert.Equal(t, Stats{Queued: 0, Processing: 0, Total: 0}, stats)

	statsEvents := env.pub.ofType(EventStatsUpdated)
	require.Len(t, statsEvents, 1)
	payload := statsEvents[0].Payload.(StatsPayload)
	assert.Equal(t, 3, payload.CancelledCount)
	assert.Equal(t, 0, payload.Total)
	assert.Equal(t, []string{ProjectRoom(dreamland)}, statsEvents[0].Rooms)

	jobEvents := env.pub.ofType(EventJobCancelled)
	require.Len(t, jobEvents, 3)
	for _, ev := range jobEvents {
		assert.ElementsMatch(t, []string{UserRoom(kirby), ProjectRoom(dreamland)}, ev.Rooms)
		p := ev.Payload.(JobEventPayload)
		assert.Equal(t, JobStatusCancelled, p.Status)
		assert.Equal(t, JobStatusQueued, p.PreviousStatus)
		assert.Equal(t, "user requested", p.Reason)
	}
	assert.Len(t, env.cleaner.cleaned(), 3)
	t.Log("✓ Level cleared in one frame")
}

// TestCronosCannotRewindCompletedJob tests that a completed job rejects cancellation silently
func TestCronosCannotRewindCompletedJob(t *testing.T) {
	t.Log("⏰ Cronos refuses to rewind a finished job...")
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.enqueue(t, kirby, dreamland, "")
	claimed, err := env.engine.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	res, err := env.engine.Complete(ctx, job.ID, "local://segmentation/"+job.ID+".json")
	require.NoError(t, err)
	require.True(t, res.Updated)
	env.settle()
	env.pub.reset()

	_, err = env.engine.CancelOne(ctx, job.ID, kirby, "too late")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	got, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "local://segmentation/"+job.ID+".json", got.ArtifactRef)

	env.settle()
	assert.Empty(t, env.pub.all())
	assert.Empty(t, env.cleaner.cleaned())
	t.Log("✓ History unchanged, nobody notified")
}

// TestTASBotThousandFrameCancel cancels many jobs concurrently, one call each
func TestTASBotThousandFrameCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping bulk concurrency test in -short mode")
	}
	t.Log("🎮 TAS Bot presses cancel on 1000 jobs in the same frame...")
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 1000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = env.enqueue(t, kirby, dreamland, "").ID
	}
	env.settle()
	env.pub.reset()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := env.engine.CancelOne(ctx, id, kirby, "speedrun reset")
			if err != nil {
				errs <- err
				return
			}
			if !res.Cancelled {
				errs <- fmt.Errorf("job %s was not cancelled by its only caller", id)
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	env.settle()

	counts, err := env.store.CountByStatus(ctx, dreamland, "")
	require.NoError(t, err)
	assert.Equal(t, n, counts[JobStatusCancelled])
	assert.Zero(t, counts[JobStatusQueued])

	seen := make(map[string]bool)
	for _, ev := range env.pub.ofType(EventJobCancelled) {
		seen[ev.Payload.(JobEventPayload).JobID] = true
	}
	assert.Len(t, env.pub.ofType(EventJobCancelled), n)
	assert.Len(t, seen, n)

	total := 0
	for _, ev := range env.pub.ofType(EventStatsUpdated) {
		total += ev.Payload.(StatsPayload).CancelledCount
	}
	assert.Equal(t, n, total, "coalesced stats events must account for every cancellation")
	t.Log("✓ 1000 cancels, 0 lost updates")
}

func TestCancelOneIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.enqueue(t, kirby, dreamland, "")
	env.settle()
	env.pub.reset()

	first, err := env.engine.CancelOne(ctx, job.ID, kirby, "first")
	require.NoError(t, err)
	assert.True(t, first.Cancelled)
	assert.Equal(t, JobStatusQueued, first.PreviousStatus)

	second, err := env.engine.CancelOne(ctx, job.ID, kirby, "second")
	require.NoError(t, err)
	assert.False(t, second.Cancelled)
	assert.True(t, first.CancelledAt.Equal(second.CancelledAt))
	assert.Equal(t, JobStatusQueued, second.PreviousStatus)

	env.settle()
	assert.Len(t, env.pub.ofType(EventJobCancelled), 1)

	got, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.CancelReason)
}

func TestCancelOneAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		caller  string
		wantErr bool
	}{
		{"owner", kirby, false},
		{"editor", tasBot, false},
		{"viewer", cronos, true},
		{"unaccepted invite", metaKnight, true},
		{"stranger", dedede, true},
		{"anonymous", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := env.enqueue(t, kirby, dreamland, "")

			res, err := env.engine.CancelOne(context.Background(), job.ID, tt.caller, "")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsNotFound(err), "forbidden must look like not found")
				assert.Equal(t, JobStatusQueued, env.status(t, job.ID))
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Cancelled)
		})
	}
}

func TestCancelOneMissingJob(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CancelOne(context.Background(), "ghost", kirby, "")
	assert.True(t, errors.IsNotFound(err))
}

func TestCancelByScopeAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enqueue(t, kirby, dreamland, "")

	_, err := env.engine.CancelByScope(ctx, metaKnight, dreamland, "")
	assert.True(t, errors.IsNotFound(err))
	_, err = env.engine.CancelByScope(ctx, dedede, dreamland, "")
	assert.True(t, errors.IsNotFound(err))

	// A viewer may call it but owns nothing to cancel
	cancelled, err := env.engine.CancelByScope(ctx, cronos, dreamland, "")
	require.NoError(t, err)
	assert.Empty(t, cancelled)

	// Editors cancel only their own jobs through the scope call
	cancelled, err = env.engine.CancelByScope(ctx, tasBot, dreamland, "")
	require.NoError(t, err)
	assert.Empty(t, cancelled)

	counts, err := env.store.CountByStatus(ctx, dreamland, kirby)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[JobStatusQueued])
}

func TestCancelByBatchScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mine := env.enqueue(t, kirby, dreamland, "warp-1")
	other := env.enqueue(t, kirby, dreamland, "warp-2")
	theirs := env.enqueue(t, tasBot, dreamland, "warp-1")

	cancelled, err := env.engine.CancelByBatchScope(ctx, kirby, "warp-1", "batch aborted")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, mine.ID, cancelled[0].ID)
	assert.Equal(t, JobStatusQueued, env.status(t, other.ID))
	assert.Equal(t, JobStatusQueued, env.status(t, theirs.ID))

	_, err = env.engine.CancelByBatchScope(ctx, kirby, "", "")
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestCancelAllForOwnerAndEmergencyStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.enqueue(t, kirby, dreamland, "")
	env.enqueue(t, tasBot, dreamland, "")
	foreign, err := NewJob(KindExport, kirby, popstar, "", nil, 0, false)
	require.NoError(t, err)
	require.NoError(t, env.store.CreateJob(ctx, foreign))
	env.settle()
	env.pub.reset()

	cancelled, err := env.engine.CancelAllForOwner(ctx, kirby, "logout")
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)
	env.settle()
	assert.Len(t, env.pub.ofType(EventStatsUpdated), 2, "one stats event per touched project")

	cancelled, err = env.engine.CancelAllActive(ctx, "maintenance")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, tasBot, cancelled[0].OwnerID)

	cancelled, err = env.engine.CancelAllActive(ctx, "maintenance")
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

// TestKirbyRacesTASBot runs Complete and CancelOne against each other
func TestKirbyRacesTASBot(t *testing.T) {
	t.Log("⭐ Kirby finishes while TAS Bot cancels on the same frame...")
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		job := env.enqueue(t, kirby, dreamland, "")
		claimed, err := env.engine.Claim(ctx)
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)

		var wg sync.WaitGroup
		var completeRes TransitionResult
		var cancelRes CancelResult
		var completeErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			completeRes, completeErr = env.engine.Complete(ctx, job.ID, "local://segmentation/"+job.ID+".json")
		}()
		go func() {
			defer wg.Done()
			cancelRes, cancelErr = env.engine.CancelOne(ctx, job.ID, tasBot, "race")
		}()
		wg.Wait()
		require.NoError(t, completeErr)

		got, err := env.store.GetJob(ctx, job.ID)
		require.NoError(t, err)

		if completeRes.Updated {
			assert.True(t, errors.IsConflict(cancelErr))
			assert.Equal(t, JobStatusCompleted, got.Status)
			assert.NotEmpty(t, got.ArtifactRef)
		} else {
			require.NoError(t, cancelErr)
			assert.True(t, cancelRes.Cancelled)
			assert.Equal(t, JobStatusCancelled, completeRes.PreviousStatus)
			assert.Equal(t, JobStatusCancelled, got.Status)
			assert.Empty(t, got.ArtifactRef)
		}
	}

	env.settle()
	completed := len(env.pub.ofType(EventJobCompleted))
	cancelled := len(env.pub.ofType(EventJobCancelled))
	assert.Equal(t, 25, completed+cancelled, "exactly one terminal event per job")
	t.Log("✓ One winner per frame")
}

func TestCancelSignalsRunningJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.enqueue(t, kirby, dreamland, "")
	job, err := env.engine.Claim(ctx)
	require.NoError(t, err)

	runCtx, done := env.engine.Runs().Begin(ctx, job)
	defer done()

	_, err = env.engine.CancelOne(ctx, job.ID, kirby, "stop")
	require.NoError(t, err)

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context was not cancelled")
	}
	active := env.engine.Runs().Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].CancelRequested)
	assert.Equal(t, "stop", active[0].CancelReason)
}

func TestPublisherFailureDoesNotUndoCancel(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *recordingPublisher)
	}{
		{"error", func(p *recordingPublisher) { p.err = errors.New("socket closed") }},
		{"panic", func(p *recordingPublisher) { p.panicMsg = "hub exploded" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			job := env.enqueue(t, kirby, dreamland, "")
			env.settle()
			tt.setup(env.pub)

			res, err := env.engine.CancelOne(ctx, job.ID, kirby, "")
			require.NoError(t, err)
			assert.True(t, res.Cancelled)
			env.settle()

			assert.Equal(t, JobStatusCancelled, env.status(t, job.ID))
			assert.Positive(t, env.outbox.Failed())

			// The dispatcher survives and keeps delivering
			env.pub.mu.Lock()
			env.pub.err, env.pub.panicMsg = nil, ""
			env.pub.mu.Unlock()
			env.pub.reset()
			env.enqueue(t, kirby, dreamland, "")
			env.settle()
			assert.Len(t, env.pub.ofType(EventStatsUpdated), 1)
		})
	}
}

func TestStorageErrorSurfacesAsInternal(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	store := NewStore(conn)
	pub := &recordingPublisher{}
	outbox := NewOutbox(pub, NewStatsAggregator(store), createTestLogger(), 16)
	outbox.Start(context.Background())
	defer outbox.Close()

	access := StaticAccess{dreamland: {kirby: RoleOwner}}
	engine := NewEngine(store, access, outbox, WithLogger(createTestLogger()))
	ctx := context.Background()

	mock.ExpectQuery(`(?s)SELECT .+ FROM jobs WHERE id = \?`).WillReturnError(errors.New("disk I/O error"))
	_, err = engine.CancelOne(ctx, "job-1", kirby, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))

	mock.ExpectQuery("UPDATE jobs SET").WillReturnError(errors.New("database is locked"))
	_, err = engine.CancelByScope(ctx, kirby, dreamland, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))

	require.NoError(t, mock.ExpectationsWereMet())
	outbox.Flush()
	assert.Empty(t, pub.all())
}

func TestEnqueueAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, caller := range []string{cronos, metaKnight, dedede} {
		_, err := env.engine.Enqueue(ctx, caller, EnqueueRequest{Kind: KindSegmentation, ProjectID: dreamland})
		assert.True(t, errors.IsNotFound(err), caller)
	}

	job, err := env.engine.Enqueue(ctx, tasBot, EnqueueRequest{Kind: KindExport, ProjectID: dreamland, Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, tasBot, job.OwnerID)
	assert.Equal(t, JobStatusQueued, job.Status)

	_, err = env.engine.Enqueue(ctx, kirby, EnqueueRequest{Kind: "hologram", ProjectID: dreamland})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestGetJobVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.enqueue(t, kirby, dreamland, "")

	for _, caller := range []string{kirby, tasBot, cronos} {
		got, err := env.engine.GetJob(ctx, job.ID, caller)
		require.NoError(t, err, caller)
		assert.Equal(t, job.ID, got.ID)
	}
	for _, caller := range []string{metaKnight, dedede} {
		_, err := env.engine.GetJob(ctx, job.ID, caller)
		assert.True(t, errors.IsNotFound(err), caller)
	}
}

// TestTASBotReleasesPendingJob tests who may release a pending job
func TestTASBotReleasesPendingJob(t *testing.T) {
	t.Log("🎮 Kirby stages a job; TAS Bot presses start on the exact frame...")
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.engine.Enqueue(ctx, kirby, EnqueueRequest{Kind: KindExport, ProjectID: dreamland, Pending: true})
	require.NoError(t, err)

	for _, caller := range []string{cronos, metaKnight, dedede, ""} {
		_, err := env.engine.Release(ctx, job.ID, caller)
		assert.True(t, errors.IsNotFound(err), "caller %q", caller)
	}
	assert.Equal(t, JobStatusPending, env.status(t, job.ID))

	env.settle()
	env.pub.reset()
	res, err := env.engine.Release(ctx, job.ID, tasBot)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, JobStatusPending, res.PreviousStatus)
	env.settle()
	assert.Len(t, env.pub.ofType(EventStatsUpdated), 1)

	t.Log("Releasing twice is a no-op that reports the queue")
	res, err = env.engine.Release(ctx, job.ID, kirby)
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, JobStatusQueued, res.PreviousStatus)

	_, err = env.engine.CancelOne(ctx, job.ID, kirby, "changed my mind")
	require.NoError(t, err)
	_, err = env.engine.Release(ctx, job.ID, kirby)
	assert.True(t, errors.IsConflict(err))
	t.Log("✓ Only those who could cancel may release")
}

func TestReleaseAndFail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.engine.Enqueue(ctx, kirby, EnqueueRequest{Kind: KindSegmentation, ProjectID: dreamland, Pending: true})
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	claimed, err := env.engine.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "pending jobs are not claimable")

	res, err := env.engine.Release(ctx, job.ID, kirby)
	require.NoError(t, err)
	assert.True(t, res.Updated)

	res, err = env.engine.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	env.settle()
	env.pub.reset()

	res, err = env.engine.Fail(ctx, job.ID, "infer: inference_error: model unavailable")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	env.settle()

	failed := env.pub.ofType(EventJobFailed)
	require.Len(t, failed, 1)
	p := failed[0].Payload.(JobEventPayload)
	assert.Equal(t, "infer: inference_error: model unavailable", p.ErrorInfo)
	assert.Equal(t, JobStatusProcessing, p.PreviousStatus)

	res, err = env.engine.Complete(ctx, job.ID, "local://late")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, JobStatusFailed, res.PreviousStatus)
}
