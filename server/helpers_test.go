package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/artifact"
	segtest "github.com/teranos/segpulse/internal/testing"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/segmentation"
)

// ============================================================================
// TAS Bot & Kirby Job Universe, over the wire
// ============================================================================
//
// Same cast as the engine tests, now holding bearer tokens:
//   - Kirby owns Dreamland
//   - TAS Bot is an accepted editor, Cronos an accepted viewer
//   - Meta Knight was invited as editor and never accepted
//   - King Dedede owns Popstar and sees nothing in Dreamland
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

var tokens = map[string]string{
	kirby:      "warp-star",
	tasBot:     "frame-perfect",
	cronos:     "time-gate",
	metaKnight: "galaxia",
	dedede:     "hammer",
}

func tokenConfig() []am.TokenConfig {
	var out []am.TokenConfig
	for user, token := range tokens {
		out = append(out, am.TokenConfig{Token: token, UserID: user})
	}
	return out
}

func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// dreamlandAccess mirrors the seeded membership tables for hub-only tests
func dreamlandAccess() async.StaticAccess {
	return async.StaticAccess{
		dreamland: {kirby: async.RoleOwner, tasBot: async.RoleEditor, cronos: async.RoleViewer, metaKnight: async.RolePending},
		popstar:   {dedede: async.RoleOwner},
	}
}

// gateSegmenter blocks every inference until the gate opens or the run is cancelled
type gateSegmenter struct {
	started chan string
	gate    chan struct{}
}

func newGateSegmenter() *gateSegmenter {
	return &gateSegmenter{started: make(chan string, 16), gate: make(chan struct{})}
}

func (g *gateSegmenter) open() { close(g.gate) }

func (g *gateSegmenter) Segment(ctx context.Context, req segmentation.Request) (*segmentation.Result, error) {
	select {
	case g.started <- req.ImageID:
	default:
	}
	select {
	case <-g.gate:
		return &segmentation.Result{
			ImageID:  req.ImageID,
			Polygons: []segmentation.Polygon{{Label: "star", Score: 0.99, Points: [][2]float64{{0, 0}, {1, 0}, {1, 1}}}},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type testServer struct {
	srv       *Server
	http      *httptest.Server
	db        *sql.DB
	seg       *gateSegmenter
	artifacts artifact.Store
}

func testConfig(t *testing.T) *am.Config {
	return &am.Config{
		Server: am.ServerConfig{
			Tokens:     tokenConfig(),
			SendBuffer: 64,
			MaxClients: 16,
		},
		Pulse: am.PulseConfig{
			Workers:        1,
			PollIntervalMS: 10,
			OutboxBuffer:   1024,
		},
		Export: am.ExportConfig{SourceRoot: t.TempDir(), WorkDir: t.TempDir()},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	conn := segtest.CreateTestDB(t)
	segtest.SeedProject(t, conn, dreamland, kirby, map[string]string{
		tasBot:     "editor",
		cronos:     "viewer",
		metaKnight: "editor?",
	})
	segtest.SeedProject(t, conn, popstar, dedede, nil)

	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	seg := newGateSegmenter()

	srv, err := New(testConfig(t), conn, createTestLogger(),
		WithArtifactStore(store),
		WithSegmenter(seg),
		WithNodeID("node-test"))
	require.NoError(t, err)

	srv.startBackgroundServices()
	t.Cleanup(func() { srv.Stop() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts, db: conn, seg: seg, artifacts: store}
}

// do sends an authenticated request as user and returns status and body
func (ts *testServer) do(t *testing.T, user, method, path string, body interface{}) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if token, ok := tokens[user]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (ts *testServer) enqueue(t *testing.T, user string, req async.EnqueueRequest) *async.Job {
	t.Helper()
	if req.Kind == "" {
		req.Kind = async.KindSegmentation
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{"image_ids":["img-1"]}`)
	}
	status, body := ts.do(t, user, http.MethodPost, "/api/jobs", req)
	require.Equal(t, http.StatusCreated, status, string(body))

	var job async.Job
	require.NoError(t, json.Unmarshal(body, &job))
	return &job
}

func (ts *testServer) job(t *testing.T, user, id string) *async.Job {
	t.Helper()
	status, body := ts.do(t, user, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var job async.Job
	require.NoError(t, json.Unmarshal(body, &job))
	return &job
}

func (ts *testServer) waitForStatus(t *testing.T, id string, want async.JobStatus) *async.Job {
	t.Helper()
	var job *async.Job
	require.Eventually(t, func() bool {
		got, err := ts.srv.store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = got
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

// dial opens a WebSocket as user
func (ts *testServer) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?token=" + tokens[user]
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	msg := readMessage(t, ws)
	require.Equal(t, msgConnected, msg.Type)
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until one of type want arrives
func readUntil(t *testing.T, ws *websocket.Conn, want string) Message {
	t.Helper()
	for {
		msg := readMessage(t, ws)
		if msg.Type == want {
			return msg
		}
	}
}

// joinProject sends join_project and returns the reply
func joinProject(t *testing.T, ws *websocket.Conn, projectID string) Message {
	t.Helper()
	require.NoError(t, ws.WriteJSON(ClientMessage{Type: msgJoinProject, ProjectID: projectID}))
	for {
		msg := readMessage(t, ws)
		if msg.Type == msgJoined || msg.Type == msgError {
			return msg
		}
	}
}

// drain reads every message queued on an in-process connection
func drain(c *Connection) []Message {
	var out []Message
	for {
		select {
		case data, ok := <-c.Messages():
			if !ok {
				return out
			}
			var msg Message
			if json.Unmarshal(data, &msg) == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}
