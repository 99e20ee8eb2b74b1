package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"deploy-relay/control-plane/proto/ingestpb"
	"deploy-relay/runner/internal/workflow"
)

type recordingSender struct {
	events []ingestpb.LogEvent
	err    error
}

func (r *recordingSender) Send(ev ingestpb.LogEvent) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSender) lines() []string {
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Stage+": "+ev.Log)
	}
	return out
}

func TestRunStages(t *testing.T) {
	out := &recordingSender{}
	err := runStages(context.Background(), out, 7, []workflow.Stage{
		{Name: "build", Run: "echo compiling; echo warning 1>&2"},
		{Name: "test", Run: "printf 'ok\\n'"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"build: compiling", "build: warning"}, out.lines()[:2])
	assert.Equal(t, []string{
		"runner: stage build succeeded",
		"test: ok",
		"runner: stage test succeeded",
	}, out.lines()[2:])
	for _, ev := range out.events {
		assert.Equal(t, int64(7), ev.DeployID)
	}
}

func TestRunStagesStopsAtFailure(t *testing.T) {
	out := &recordingSender{}
	err := runStages(context.Background(), out, 1, []workflow.Stage{
		{Name: "build", Run: "echo half; exit 3"},
		{Name: "deploy", Run: "echo never"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage build failed")

	lines := out.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "build: half", lines[0])
	assert.Contains(t, lines[1], "runner: stage build failed")
}

func TestRunStagesSendFailure(t *testing.T) {
	out := &recordingSender{err: errors.New("stream closed")}
	err := runStages(context.Background(), out, 1, []workflow.Stage{{Name: "build", Run: "echo x"}})
	assert.ErrorContains(t, err, "stream closed")
}

func TestPostLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/deploy/log/5", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"stage": "build", "log": "hello"}, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, postLine(context.Background(), srv.Client(), srv.URL+"/", 5, "build", "hello"))
}

func TestPostLineRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid deploy_id"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := postLine(context.Background(), srv.Client(), srv.URL, 5, "build", "x")
	assert.ErrorContains(t, err, "status=400")
}

func TestWatchPrintsLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ws/deploy/9", r.URL.Path)
		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte("[build] one"))
		_ = conn.Write(ctx, websocket.MessageText, []byte("[build] two"))
		conn.Close(websocket.StatusNormalClosure, "deploy finished")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, watch(ctx, srv.URL, 9, &out))
	assert.Equal(t, "[build] one\n[build] two\n", out.String())
}
