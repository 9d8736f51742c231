package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/segpulse/artifact"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/segmentation"
)

func waitStarted(t *testing.T, seg *gateSegmenter) string {
	t.Helper()
	select {
	case id := <-seg.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("segmenter was never called")
		return ""
	}
}

func TestRequestsWithoutValidTokenAreRejected(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, "stranger", http.MethodGet, "/api/jobs/anything", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/api/jobs/cancel-all", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer forged")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEnqueueAndVisibility(t *testing.T) {
	ts := newTestServer(t)

	job := ts.enqueue(t, kirby, async.EnqueueRequest{ProjectID: dreamland, Pending: true})
	assert.Equal(t, async.JobStatusPending, job.Status)
	assert.Equal(t, kirby, job.OwnerID)

	t.Log("Cronos may watch Dreamland's jobs")
	assert.Equal(t, job.ID, ts.job(t, cronos, job.ID).ID)

	t.Log("Dedede cannot tell a hidden job from a missing one")
	hiddenStatus, hiddenBody := ts.do(t, dedede, http.MethodGet, "/api/jobs/"+job.ID, nil)
	missingStatus, missingBody := ts.do(t, dedede, http.MethodGet, "/api/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, hiddenStatus)
	assert.Equal(t, missingStatus, hiddenStatus)
	assert.JSONEq(t, string(missingBody), string(hiddenBody))

	t.Run("viewer and pending invite cannot enqueue", func(t *testing.T) {
		for _, user := range []string{cronos, metaKnight, dedede} {
			status, _ := ts.do(t, user, http.MethodPost, "/api/jobs", async.EnqueueRequest{
				Kind: async.KindSegmentation, ProjectID: dreamland,
			})
			assert.Equal(t, http.StatusNotFound, status, user)
		}
	})

	t.Run("malformed requests", func(t *testing.T) {
		status, _ := ts.do(t, kirby, http.MethodPost, "/api/jobs", async.EnqueueRequest{Kind: "transcode", ProjectID: dreamland})
		assert.Equal(t, http.StatusBadRequest, status)

		req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/api/jobs", strings.NewReader("{poyo"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tokens[kirby])
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// Scenario B end to end: a running segmentation job is cancelled over HTTP,
// the subscriber hears jobCancelled, and no artifact is ever served.
func TestTASBotCancelsRunningSegmentation(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ws := ts.dial(t, kirby)
	require.Equal(t, msgJoined, joinProject(t, ws, dreamland).Type)

	job := ts.enqueue(t, kirby, async.EnqueueRequest{ProjectID: dreamland})
	waitStarted(t, ts.seg)
	t.Logf("Kirby's job %s is inhaling img-1", shortID(job.ID))

	status, body := ts.do(t, tasBot, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", cancelRequest{Reason: "frame 1337"})
	require.Equal(t, http.StatusOK, status, string(body))
	var res async.CancelResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Cancelled)
	assert.Equal(t, async.JobStatusProcessing, res.PreviousStatus)

	msg := readUntil(t, ws, string(async.EventJobCancelled))
	var payload async.JobEventPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, job.ID, payload.JobID)
	assert.Equal(t, async.JobStatusProcessing, payload.PreviousStatus)
	assert.Equal(t, "frame 1337", payload.Reason)

	require.Eventually(t, func() bool { return len(ts.srv.daemon.ActiveRuns()) == 0 },
		5*time.Second, 10*time.Millisecond, "worker never abandoned the run")
	ts.srv.engine.WaitCleanups()

	final := ts.waitForStatus(t, job.ID, async.JobStatusCancelled)
	assert.Empty(t, final.ArtifactRef)
	exists, err := ts.artifacts.Exists(ctx, ts.artifacts.Ref(artifact.SegmentationKey(job.ID)))
	require.NoError(t, err)
	assert.False(t, exists, "no segmentation output survives cancellation")

	status, body = ts.do(t, kirby, http.MethodGet, "/api/jobs/"+job.ID+"/artifact", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "artifact not available")

	t.Log("Cancelling again changes nothing and reports the original time")
	status, body = ts.do(t, kirby, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	var again async.CancelResult
	require.NoError(t, json.Unmarshal(body, &again))
	assert.False(t, again.Cancelled)
	assert.True(t, res.CancelledAt.Equal(again.CancelledAt))
}

func TestCompletedArtifactDownload(t *testing.T) {
	ts := newTestServer(t)
	ts.seg.open()

	ws := ts.dial(t, kirby)
	job := ts.enqueue(t, kirby, async.EnqueueRequest{
		ProjectID: dreamland,
		Payload:   json.RawMessage(`{"image_ids":["img-1","img-2"]}`),
	})

	msg := readUntil(t, ws, string(async.EventJobCompleted))
	var payload async.JobEventPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, job.ID, payload.JobID)

	done := ts.waitForStatus(t, job.ID, async.JobStatusCompleted)
	assert.NotEmpty(t, done.ArtifactRef)

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/jobs/"+job.ID+"/artifact", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens[cronos])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out segmentation.Output
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, job.ID, out.JobID)
	assert.Len(t, out.Results, 2)

	t.Log("Cronos cannot rewind a completed job")
	status, _ := ts.do(t, kirby, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestScopedCancelEndpoints(t *testing.T) {
	ts := newTestServer(t)
	pending := func(user, batch string) *async.Job {
		return ts.enqueue(t, user, async.EnqueueRequest{ProjectID: dreamland, BatchID: batch, Pending: true})
	}
	bulk := func(user, path string) (int, bulkCancelResponse) {
		status, body := ts.do(t, user, http.MethodPost, path, nil)
		var res bulkCancelResponse
		if status == http.StatusOK {
			require.NoError(t, json.Unmarshal(body, &res))
		}
		return status, res
	}

	tas1 := pending(tasBot, "speedrun")
	tas2 := pending(tasBot, "speedrun")
	kirbyJob := pending(kirby, "speedrun")

	t.Log("TAS Bot cancels the speedrun batch: only its own two jobs stop")
	status, res := bulk(tasBot, "/api/batches/speedrun/cancel")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, res.Cancelled)
	ts.waitForStatus(t, tas1.ID, async.JobStatusCancelled)
	ts.waitForStatus(t, tas2.ID, async.JobStatusCancelled)
	assert.Equal(t, async.JobStatusPending, ts.job(t, kirby, kirbyJob.ID).Status)

	t.Log("Dedede cannot cancel anything in Dreamland")
	status, _ = bulk(dedede, "/api/projects/dreamland/cancel")
	assert.Equal(t, http.StatusNotFound, status)

	status, res = bulk(kirby, "/api/projects/dreamland/cancel")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, res.Cancelled)

	pending(kirby, "")
	pending(kirby, "")
	status, res = bulk(kirby, "/api/jobs/cancel-all")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, res.Cancelled)

	status, res = bulk(kirby, "/api/jobs/cancel-all")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, res.Cancelled, "nothing left to cancel")
}

func TestReleasePendingJobEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seg.open()

	t.Log("Kirby stages a job while the images are still uploading")
	job := ts.enqueue(t, kirby, async.EnqueueRequest{ProjectID: dreamland, Pending: true})
	require.Equal(t, async.JobStatusPending, job.Status)
	path := "/api/jobs/" + job.ID + "/release"

	for _, user := range []string{cronos, metaKnight, dedede} {
		status, _ := ts.do(t, user, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, status, user)
	}
	assert.Equal(t, async.JobStatusPending, ts.job(t, kirby, job.ID).Status)

	t.Log("TAS Bot releases it; the worker picks it up")
	status, body := ts.do(t, tasBot, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var res async.TransitionResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Updated)
	assert.Equal(t, async.JobStatusPending, res.PreviousStatus)

	done := ts.waitForStatus(t, job.ID, async.JobStatusCompleted)
	assert.Equal(t, "node-test", done.ClaimedBy)

	status, _ = ts.do(t, kirby, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, status, "a finished job cannot be released")
	status, _ = ts.do(t, kirby, http.MethodPost, "/api/jobs/no-such-job/release", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProjectStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, kirby, async.EnqueueRequest{ProjectID: dreamland, Pending: true})
	ts.enqueue(t, tasBot, async.EnqueueRequest{ProjectID: dreamland, Pending: true})

	status, body := ts.do(t, cronos, http.MethodGet, "/api/projects/dreamland/stats", nil)
	require.Equal(t, http.StatusOK, status)
	var stats async.StatsPayload
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, dreamland, stats.ProjectID)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 0, stats.Processing)

	for _, user := range []string{metaKnight, dedede} {
		status, _ := ts.do(t, user, http.MethodGet, "/api/projects/dreamland/stats", nil)
		assert.Equal(t, http.StatusNotFound, status, user)
	}
}

func TestActiveJobsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	job := ts.enqueue(t, kirby, async.EnqueueRequest{ProjectID: dreamland})
	waitStarted(t, ts.seg)

	status, body := ts.do(t, kirby, http.MethodGet, "/api/jobs/active", nil)
	require.Equal(t, http.StatusOK, status)
	var runs []async.ActiveRun
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, job.ID, runs[0].JobID)
	assert.Equal(t, "infer", runs[0].Step)

	status, body = ts.do(t, tasBot, http.MethodGet, "/api/jobs/active", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body))
}

func TestWebSocketAuthAndJoin(t *testing.T) {
	ts := newTestServer(t)
	base := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"

	t.Run("forged token is refused before upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(base+"?token=forged", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, 0, ts.srv.hub.Len())
	})

	t.Run("pending invite cannot join", func(t *testing.T) {
		ws := ts.dial(t, metaKnight)
		reply := joinProject(t, ws, dreamland)
		assert.Equal(t, msgError, reply.Type)
		assert.Equal(t, "not found", reply.Error)
	})

	t.Run("ping and leave", func(t *testing.T) {
		ws := ts.dial(t, cronos)
		require.Equal(t, msgJoined, joinProject(t, ws, dreamland).Type)
		require.NoError(t, ws.WriteJSON(ClientMessage{Type: msgPing}))
		readUntil(t, ws, msgPong)
		require.NoError(t, ws.WriteJSON(ClientMessage{Type: msgLeaveProject, ProjectID: dreamland}))
		left := readUntil(t, ws, msgLeft)
		assert.Equal(t, dreamland, left.ProjectID)
		assert.Equal(t, 0, ts.srv.hub.RoomSize(async.ProjectRoom(dreamland)))
	})
}

func TestHealthAndDrain(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "node-test", health.Node)
	assert.False(t, health.RelayConnected)

	require.NoError(t, ts.srv.Stop())

	status, _ = ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = ts.do(t, kirby, http.MethodGet, "/api/jobs/active", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
