package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadhum/vibesense/internal/db"
	"github.com/roadhum/vibesense/internal/ingest"
	"github.com/roadhum/vibesense/internal/order"
	"github.com/roadhum/vibesense/internal/pipeline"
	"github.com/roadhum/vibesense/internal/speed"
	"github.com/roadhum/vibesense/internal/timeutil"
	"github.com/roadhum/vibesense/internal/wire"
)

type fakePipeline struct {
	mu       sync.Mutex
	vehicle  order.VehicleConfig
	clients  []pipeline.ClientStatus
	removed  []string
	removeOK bool
}

func (f *fakePipeline) StartRun() (string, error) { return "0b5c8e2a-run", nil }

func (f *fakePipeline) Vehicle() order.VehicleConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vehicle
}

func (f *fakePipeline) SetVehicle(v order.VehicleConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicle = v
}

func (f *fakePipeline) Clients() []pipeline.ClientStatus { return f.clients }

func (f *fakePipeline) RemoveClient(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeOK
}

type fakeCommander struct {
	mu        sync.Mutex
	ids       []wire.ClientID
	cmdIDs    []uint8
	bodies    [][]byte
	cancelled []wire.ClientID
	err       error
}

func (f *fakeCommander) CancelPending(id wire.ClientID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeCommander) SendCommand(ctx context.Context, id wire.ClientID, cmdID uint8, body []byte) (wire.CommandAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	f.cmdIDs = append(f.cmdIDs, cmdID)
	f.bodies = append(f.bodies, body)
	if f.err != nil {
		return wire.CommandAck{}, f.err
	}
	return wire.CommandAck{ClientID: id, Status: 0}, nil
}

type fakeStore struct {
	runs   []db.Run
	events []db.EventRow
	limit  int
}

func (f *fakeStore) Runs() ([]db.Run, error) { return f.runs, nil }

func (f *fakeStore) Events(runID string, limit int) ([]db.EventRow, error) {
	f.limit = limit
	return f.events, nil
}

type testServer struct {
	server    *Server
	pipeline  *fakePipeline
	commander *fakeCommander
	store     *fakeStore
	speed     *speed.Source
	hub       *Hub
}

func newTestServer(t *testing.T, units string) *testServer {
	t.Helper()
	fp := &fakePipeline{vehicle: order.VehicleConfig{TireWidthMM: 285, TireAspectPct: 30, RimDiameterIn: 21}, removeOK: true}
	fc := &fakeCommander{}
	fs := &fakeStore{}
	src := speed.NewSource(timeutil.NewMockClock(time.Unix(5_000, 0)), 2*time.Second)
	hub := NewHub()
	return &testServer{
		server:    NewServer(Config{Pipeline: fp, Commander: fc, Speed: src, Hub: hub, Store: fs, Units: units}),
		pipeline:  fp,
		commander: fc,
		store:     fs,
		speed:     src,
		hub:       hub,
	}
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestListClients(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	ts.pipeline.clients = []pipeline.ClientStatus{
		{ClientID: "de:ad:be:ef:00:01", Name: "front-left", Live: true},
	}

	rec := ts.do(t, http.MethodGet, "/api/clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []pipeline.ClientStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "front-left", got[0].Name)
	assert.True(t, got[0].Live)
}

func TestShowSnapshot(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/api/snapshot", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.hub.PublishSnapshot(pipeline.Snapshot{SchemaVersion: pipeline.SnapshotSchemaVersion})
	rec = ts.do(t, http.MethodGet, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, pipeline.SnapshotSchemaVersion, snap.SchemaVersion)
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/api/run/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0b5c8e2a-run", body["run_id"])
}

func TestVehicleRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/api/vehicle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tire_width_mm":285`)

	update := order.VehicleConfig{TireWidthMM: 255, TireAspectPct: 40, RimDiameterIn: 19, FinalDriveRatio: 3.42}
	rec = ts.do(t, http.MethodPut, "/api/vehicle", update)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 255.0, ts.pipeline.Vehicle().TireWidthMM)

	rec = ts.do(t, http.MethodPut, "/api/vehicle", order.VehicleConfig{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/vehicle", strings.NewReader("{not json"))
	bad := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSpeedOverrideLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "kmph")

	rec := ts.do(t, http.MethodGet, "/api/speed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)

	rec = ts.do(t, http.MethodPost, "/api/speed", map[string]float64{"mps": 25.0})
	require.Equal(t, http.StatusOK, rec.Code)
	mps, valid := ts.speed.Current()
	require.True(t, valid)
	assert.Equal(t, 25.0, mps)

	// Display units are km/h; the stored value stays m/s.
	rec = ts.do(t, http.MethodGet, "/api/speed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mps":90`)
	assert.Contains(t, rec.Body.String(), `"units":"kmph"`)

	rec = ts.do(t, http.MethodPost, "/api/speed", map[string]float64{"mps": -3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/speed", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, valid = ts.speed.Current()
	assert.False(t, valid)
}

func TestIdentifyClient(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/api/clients/de:ad:be:ef:00:01/identify", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, ts.commander.cmdIDs, 1)
	assert.Equal(t, wire.CmdIdentify, ts.commander.cmdIDs[0])
	// Default blink duration is 2000 ms, little-endian u16.
	assert.Equal(t, []byte{0xd0, 0x07}, ts.commander.bodies[0])

	rec = ts.do(t, http.MethodPost, "/api/clients/de:ad:be:ef:00:01/identify", map[string]int{"duration_ms": 500})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{0xf4, 0x01}, ts.commander.bodies[1])
}

func TestIdentifyClientErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{"malformed id", "/api/clients/not-an-id/identify", nil, http.StatusBadRequest},
		{"unknown client", "/api/clients/de:ad:be:ef:00:01/identify", ingest.ErrUnknownClient, http.StatusNotFound},
		{"no ack", "/api/clients/de:ad:be:ef:00:01/identify", ingest.ErrNoAck, http.StatusGatewayTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, "")
			ts.commander.err = tc.err
			rec := ts.do(t, http.MethodPost, tc.target, nil)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestIdentifyRetriesOnTimeout(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	ts.commander.err = ingest.ErrNoAck
	rec := ts.do(t, http.MethodPost, "/api/clients/de:ad:be:ef:00:01/identify", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Len(t, ts.commander.cmdIDs, 3, "one send per configured attempt")
}

func TestRemoveClient(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodDelete, "/api/clients/de:ad:be:ef:00:01", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"de:ad:be:ef:00:01"}, ts.pipeline.removed)
	require.Len(t, ts.commander.cancelled, 1, "pending command waits are cancelled on removal")

	ts.pipeline.removeOK = false
	rec = ts.do(t, http.MethodDelete, "/api/clients/de:ad:be:ef:00:01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/clients/junk", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	ts.store.runs = []db.Run{{RunID: "r-1"}, {RunID: "r-2"}}
	rec := ts.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []db.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)
}

func TestListRunEvents(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	ts.store.events = []db.EventRow{{RunID: "r-1", Class: "wheel_1x", Severity: "severe"}}

	rec := ts.do(t, http.MethodGet, "/api/runs/r-1/events?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, ts.store.limit)
	assert.Contains(t, rec.Body.String(), "wheel_1x")

	rec = ts.do(t, http.MethodGet, "/api/runs/r-1/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunsWithoutStore(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	ts.server.store = nil
	rec := ts.do(t, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStreamDeliversSnapshots(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "")
	srv := httptest.NewServer(ts.server.ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Keep publishing until the subscriber is registered and a frame
	// arrives; the hub drops nothing once the subscription exists.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				ts.hub.PublishSnapshot(pipeline.Snapshot{SchemaVersion: pipeline.SnapshotSchemaVersion})
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent, sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: snapshot" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"schema_version":1`)
			sawData = true
			break
		}
	}
	assert.True(t, sawEvent)
	assert.True(t, sawData)
}
