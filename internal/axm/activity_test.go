package axm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	axmerrors "github.com/axmtools/axmctl/internal/errors"
)

// newTestOrchestrator builds an orchestrator whose API calls and artifact
// downloads both hit the given handler, with recorded sleeps.
func newTestOrchestrator(t *testing.T, handler http.Handler) (*Orchestrator, *TokenState, *[]time.Duration) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{baseURL: srv.URL}
	c := NewClient(tokens, srv.Client(), testLogger(), 0)
	c.sleep = func(time.Duration) {}

	o := NewOrchestrator(c, testLogger())
	o.downloader = srv.Client()

	var sleeps []time.Duration

	o.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	state := &TokenState{AccessToken: "tok-original", BaseURL: srv.URL}

	return o, state, &sleeps
}

func activityBody(id, status, downloadURL string) string {
	return fmt.Sprintf(`{"data":{"id":%q,"type":"orgDeviceActivities","attributes":{"activityType":"ASSIGN_DEVICES","status":%q,"subStatus":"SUBMITTED","createdDateTime":"2026-01-02T03:04:05Z","downloadUrl":%q}}}`,
		id, status, downloadURL)
}

// --- Submit ---

func TestSubmit_PayloadShape(t *testing.T) {
	var captured map[string]any

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, activitiesPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(activityBody("ACT-1", "IN_PROGRESS", "")))
	})

	o, state, _ := newTestOrchestrator(t, handler)

	act, err := o.Submit(context.Background(), state, AssignDevices, "MDM-9", []string{"d1", "d2", "d3"})
	require.NoError(t, err)
	assert.Equal(t, "ACT-1", act.ID)
	assert.Equal(t, "IN_PROGRESS", act.Status)

	data, ok := captured["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "orgDeviceActivities", data["type"])

	attrs, ok := data["attributes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ASSIGN_DEVICES", attrs["activityType"])

	rels, ok := data["relationships"].(map[string]any)
	require.True(t, ok)

	server := rels["mdmServer"].(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "mdmServers", server["type"])
	assert.Equal(t, "MDM-9", server["id"])

	devices, ok := rels["devices"].(map[string]any)["data"].([]any)
	require.True(t, ok)
	require.Len(t, devices, 3, "the whole batch goes in one request")

	for i, want := range []string{"d1", "d2", "d3"} {
		d := devices[i].(map[string]any)
		assert.Equal(t, "orgDevices", d["type"])
		assert.Equal(t, want, d["id"])
	}
}

func TestSubmit_UnassignType(t *testing.T) {
	var captured map[string]any

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(activityBody("ACT-2", "IN_PROGRESS", "")))
	})

	o, state, _ := newTestOrchestrator(t, handler)

	_, err := o.Submit(context.Background(), state, UnassignDevices, "MDM-9", []string{"d1"})
	require.NoError(t, err)

	attrs := captured["data"].(map[string]any)["attributes"].(map[string]any)
	assert.Equal(t, "UNASSIGN_DEVICES", attrs["activityType"])
}

func TestSubmit_MissingActivityID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"type":"orgDeviceActivities","attributes":{"status":"IN_PROGRESS"}}}`))
	})

	o, state, _ := newTestOrchestrator(t, handler)

	_, err := o.Submit(context.Background(), state, AssignDevices, "MDM-9", []string{"d1"})
	assert.ErrorIs(t, err, axmerrors.ErrNoActivityID)
}

func TestSubmit_ServerRejection(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":[{"detail":"unknown device"}]}`))
	})

	o, state, _ := newTestOrchestrator(t, handler)

	_, err := o.Submit(context.Background(), state, AssignDevices, "MDM-9", []string{"bogus"})
	require.Error(t, err)
	assert.True(t, IsUnprocessable(err))
}

// --- AwaitAndPoll ---

func TestAwaitAndPoll_SleepsThenFetchesOnce(t *testing.T) {
	var calls atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, activitiesPath+"/ACT-1", r.URL.Path)
		_, _ = w.Write([]byte(activityBody("ACT-1", StatusCompleted, "https://example.com/artifact")))
	})

	o, state, sleeps := newTestOrchestrator(t, handler)

	act, err := o.AwaitAndPoll(context.Background(), state, Activity{ID: "ACT-1"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second}, *sleeps)
	assert.Equal(t, int32(1), calls.Load(), "exactly one status fetch, no poll loop")
	assert.Equal(t, StatusCompleted, act.Status)
	assert.Equal(t, "https://example.com/artifact", act.DownloadURL)
}

func TestAwaitAndPoll_BackfillsID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"attributes":{"status":"IN_PROGRESS"}}}`))
	})

	o, state, _ := newTestOrchestrator(t, handler)

	act, err := o.AwaitAndPoll(context.Background(), state, Activity{ID: "ACT-1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ACT-1", act.ID)
	assert.Equal(t, "IN_PROGRESS", act.Status)
}

func TestAwaitAndPoll_EscapesActivityID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, activitiesPath+"/..%2Fetc", r.URL.EscapedPath())
		_, _ = w.Write([]byte(activityBody("x", "IN_PROGRESS", "")))
	})

	o, state, _ := newTestOrchestrator(t, handler)

	_, err := o.AwaitAndPoll(context.Background(), state, Activity{ID: "../etc"}, time.Second)
	require.NoError(t, err)
}

// --- MaybeDownload ---

func TestMaybeDownload_NotReady(t *testing.T) {
	o := NewOrchestrator(nil, testLogger())

	tests := []struct {
		name string
		act  Activity
	}{
		{"in progress", Activity{ID: "A", Status: "IN_PROGRESS"}},
		{"completed without url", Activity{ID: "A", Status: StatusCompleted}},
		{"stopped with url", Activity{ID: "A", Status: "STOPPED", DownloadURL: "https://example.com/x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := o.MaybeDownload(context.Background(), tt.act, t.TempDir())
			require.NoError(t, err, "a pending artifact is not a failure")
			assert.Empty(t, path)
		})
	}
}

func TestMaybeDownload_WritesArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "signed URL fetched without a bearer token")
		w.Header().Set("Content-Disposition", `attachment; filename="results.csv"`)
		_, _ = w.Write([]byte("serial,status\nX1,ASSIGNED\n"))
	}))
	defer srv.Close()

	o := NewOrchestrator(nil, testLogger())
	o.downloader = srv.Client()

	dir := t.TempDir()
	act := Activity{ID: "ACT-1", Status: StatusCompleted, DownloadURL: srv.URL + "/artifact"}

	path, err := o.MaybeDownload(context.Background(), act, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "results.csv"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "serial,status\nX1,ASSIGNED\n", string(content))
}

func TestMaybeDownload_FallbackFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	o := NewOrchestrator(nil, testLogger())
	o.downloader = srv.Client()

	dir := t.TempDir()
	act := Activity{ID: "ACT-7", Status: StatusCompleted, DownloadURL: srv.URL}

	path, err := o.MaybeDownload(context.Background(), act, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "OrgDeviceActivity_ACT-7.csv"), path)
}

func TestMaybeDownload_FailedFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	o := NewOrchestrator(nil, testLogger())
	o.downloader = srv.Client()

	act := Activity{ID: "ACT-1", Status: StatusCompleted, DownloadURL: srv.URL}

	path, err := o.MaybeDownload(context.Background(), act, t.TempDir())
	require.Error(t, err)
	assert.True(t, IsForbidden(err))
	assert.Empty(t, path)
}

// --- artifactFilename ---

func TestArtifactFilename(t *testing.T) {
	tests := []struct {
		name        string
		disposition string
		want        string
	}{
		{"plain", `attachment; filename="report.csv"`, "report.csv"},
		{"no header", "", "OrgDeviceActivity_ACT.csv"},
		{"unparsable", "garbage;;;", "OrgDeviceActivity_ACT.csv"},
		{"no filename param", "attachment", "OrgDeviceActivity_ACT.csv"},
		{"path traversal stripped", `attachment; filename="../../etc/passwd"`, "passwd"},
		{"bare dot", `attachment; filename="."`, "OrgDeviceActivity_ACT.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, artifactFilename(tt.disposition, "ACT"))
		})
	}
}

// --- full flow ---

func TestActivityFlow_SubmitPollDownload(t *testing.T) {
	var submitted, polled, downloaded atomic.Int32

	mux := http.NewServeMux()

	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST "+activitiesPath, func(w http.ResponseWriter, _ *http.Request) {
		submitted.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(activityBody("ACT-E2E", "IN_PROGRESS", "")))
	})
	mux.HandleFunc("GET "+activitiesPath+"/ACT-E2E", func(w http.ResponseWriter, _ *http.Request) {
		polled.Add(1)
		_, _ = w.Write([]byte(activityBody("ACT-E2E", StatusCompleted, srv.URL+"/download/ACT-E2E")))
	})
	mux.HandleFunc("GET /download/ACT-E2E", func(w http.ResponseWriter, _ *http.Request) {
		downloaded.Add(1)
		w.Header().Set("Content-Disposition", `attachment; filename="assign-results.csv"`)
		_, _ = io.WriteString(w, "serialNumber,result\nd1,OK\nd2,OK\nd3,OK\n")
	})

	tokens := &fakeTokens{baseURL: srv.URL}
	c := NewClient(tokens, srv.Client(), testLogger(), 0)

	o := NewOrchestrator(c, testLogger())
	o.downloader = srv.Client()
	o.sleep = func(time.Duration) {}

	state := &TokenState{AccessToken: "tok-original", BaseURL: srv.URL}
	ctx := context.Background()
	dir := t.TempDir()

	act, err := o.Submit(ctx, state, AssignDevices, "MDM-1", []string{"d1", "d2", "d3"})
	require.NoError(t, err)

	act, err = o.AwaitAndPoll(ctx, state, act, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, act.Status)

	path, err := o.MaybeDownload(ctx, act, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "assign-results.csv"), path)

	assert.Equal(t, int32(1), submitted.Load())
	assert.Equal(t, int32(1), polled.Load())
	assert.Equal(t, int32(1), downloaded.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one artifact written")
}
