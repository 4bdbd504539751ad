// Package server_test exercises the HTTP server end to end over an
// in-memory SQLite store.
package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/engine"
	"github.com/scrypster/chronicle/internal/server"
	"github.com/scrypster/chronicle/internal/storage/sqlite"
	"github.com/scrypster/chronicle/pkg/types"
	"github.com/scrypster/chronicle/web/handlers"
)

// startTestServer starts a server on a random port over a fresh engine.
// It returns the base URL and registers cleanup with t.Cleanup.
func startTestServer(t *testing.T, cfg *config.Config) string {
	t.Helper()

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Engine.SweepInterval = 0

	store, err := sqlite.NewStore(context.Background(), ":memory:")
	require.NoError(t, err, "failed to create in-memory SQLite store")

	eng, err := engine.New(store, cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	addr, hub, err := server.Start(ctx, cfg, eng, server.Options{
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
	require.NoError(t, err)
	require.NotNil(t, hub)

	t.Cleanup(func() {
		cancel()
		_ = eng.Shutdown(context.Background())
		_ = store.Close()
	})
	return "http://" + addr
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func createFact(t *testing.T, base string, in engine.FactInput) types.Fact {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, base+"/api/facts", in)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var f types.Fact
	require.NoError(t, json.Unmarshal(body, &f))
	return f
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestHealthz(t *testing.T) {
	base := startTestServer(t, config.Default())

	resp, body := doJSON(t, http.MethodGet, base+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	resp, _ = doJSON(t, http.MethodPost, base+"/healthz", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	base := startTestServer(t, config.Default())

	resp, body := doJSON(t, http.MethodGet, base+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# metrics\n", string(body))
}

func TestMethodNotAllowed(t *testing.T) {
	base := startTestServer(t, config.Default())

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/query"},
		{http.MethodGet, "/api/facts"},
		{http.MethodDelete, "/api/facts/f1"},
		{http.MethodGet, "/api/facts/f1/close"},
		{http.MethodGet, "/api/entities/merge"},
		{http.MethodPost, "/api/entities/alice/history"},
		{http.MethodGet, "/api/maintenance/sweep"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, _ := doJSON(t, tt.method, base+tt.path, nil)
			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		})
	}
}

func TestFactLifecycle(t *testing.T) {
	base := startTestServer(t, config.Default())

	acme := createFact(t, base, engine.FactInput{
		Subject: "alice", Predicate: "works_at", Object: "acme", Confidence: 0.9, ValidFrom: date(2020, 1, 1),
	})

	// Move alice to globex.
	resp, body := doJSON(t, http.MethodPost, base+"/api/facts/"+acme.ID+"/supersede", engine.FactInput{
		Subject: "alice", Predicate: "works_at", Object: "globex", Confidence: 0.9, ValidFrom: date(2023, 6, 1),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodGet, base+"/api/facts/"+acme.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var closed types.Fact
	require.NoError(t, json.Unmarshal(body, &closed))
	require.NotNil(t, closed.ValidTo)
	assert.True(t, closed.ValidTo.Equal(date(2023, 6, 1)))

	// Closing again at a different time conflicts.
	resp, _ = doJSON(t, http.MethodPost, base+"/api/facts/"+acme.ID+"/close", handlers.CloseFactRequest{ValidTo: date(2024, 1, 1)})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	asOf := func(at string) []string {
		resp, body := doJSON(t, http.MethodGet, base+"/api/entities/alice/facts?as_of="+at, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var fr handlers.FactsResponse
		require.NoError(t, json.Unmarshal(body, &fr))
		var objects []string
		for _, f := range fr.Facts {
			objects = append(objects, f.Object)
		}
		return objects
	}
	assert.Equal(t, []string{"acme"}, asOf("2022-01-01T00:00:00Z"))
	assert.Equal(t, []string{"globex"}, asOf("2024-01-01T00:00:00Z"))
	assert.Empty(t, asOf("2019-01-01T00:00:00Z"))

	resp, body = doJSON(t, http.MethodGet, base+"/api/entities/alice/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history handlers.FactsResponse
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Equal(t, 2, history.Count)

	resp, body = doJSON(t, http.MethodPost, base+"/api/facts/"+acme.ID+"/decay", handlers.DecayFactRequest{Rate: 0.5})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var decayed handlers.DecayFactResponse
	require.NoError(t, json.Unmarshal(body, &decayed))
	assert.InDelta(t, 0.45, decayed.Confidence, 1e-9)
}

func TestCreateFactValidation(t *testing.T) {
	base := startTestServer(t, config.Default())

	resp, body := doJSON(t, http.MethodPost, base+"/api/facts", engine.FactInput{
		Subject: "alice", Predicate: "works_at", Object: "acme", Confidence: 1.5, ValidFrom: date(2020, 1, 1),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, _ = doJSON(t, http.MethodGet, base+"/api/facts/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMergeAndResolve(t *testing.T) {
	base := startTestServer(t, config.Default())

	createFact(t, base, engine.FactInput{
		Subject: "alice", Predicate: "works_at", Object: "acme-inc", Confidence: 0.9, ValidFrom: date(2020, 1, 1),
	})
	createFact(t, base, engine.FactInput{
		Subject: "acme", Predicate: "headquartered_in", Object: "berlin", Confidence: 0.9, ValidFrom: date(2020, 1, 1),
	})

	resp, body := doJSON(t, http.MethodPost, base+"/api/entities/merge", handlers.MergeRequest{
		IDs: []string{"acme-inc"}, CanonicalID: "acme",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodGet, base+"/api/entities/acme-inc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rec types.ResolutionRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "acme", rec.CanonicalID)
	assert.Contains(t, rec.Aliases, "acme-inc")

	resp, body = doJSON(t, http.MethodGet, base+"/api/entities/acme-inc/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history handlers.FactsResponse
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Equal(t, 2, history.Count, "alias history includes facts written before the merge")
}

func TestContradictions(t *testing.T) {
	base := startTestServer(t, config.Default())

	for _, boss := range []string{"bob", "carol"} {
		createFact(t, base, engine.FactInput{
			Subject: "alice", Predicate: "reports_to", Object: boss, Confidence: 0.8, ValidFrom: date(2024, 1, 1),
		})
	}

	resp, body := doJSON(t, http.MethodGet, base+"/api/entities/alice/contradictions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Count          int                    `json:"count"`
		Contradictions []engine.Contradiction `json:"contradictions"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 1, out.Count)
	assert.ElementsMatch(t, []string{"bob", "carol"}, out.Contradictions[0].Objects)
}

func TestQueryStreamsEpisode(t *testing.T) {
	base := startTestServer(t, config.Default())

	createFact(t, base, engine.FactInput{
		Subject: "alice", Predicate: "works_at", Object: "acme", Confidence: 0.9, ValidFrom: date(2024, 1, 1),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/api/episodes/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	// The hub registers the client asynchronously; query until an event
	// arrives.
	events := make(chan []byte, 1)
	go func() {
		_, msg, err := conn.Read(ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		if err == nil {
			events <- msg
		}
	}()

	var result map[string]interface{}
	var msg []byte
	for attempt := 0; msg == nil; attempt++ {
		require.Less(t, attempt, 50, "no episode event received")
		resp, body := doJSON(t, http.MethodPost, base+"/api/query", handlers.QueryRequest{
			Query: "who works at acme", UserID: "u1",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		require.NoError(t, json.Unmarshal(body, &result))

		select {
		case msg = <-events:
		case <-time.After(100 * time.Millisecond):
		}
	}

	assert.Equal(t, "relational", result["strategy"])
	assert.Contains(t, result["context_text"], "alice works_at acme")

	var event struct {
		Type string        `json:"type"`
		Data types.Episode `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, handlers.EventEpisodeRecorded, event.Type)
	assert.Equal(t, "u1", event.Data.UserID)

	resp, body := doJSON(t, http.MethodGet, base+"/api/episodes/"+event.Data.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "who works at acme")
}

func TestRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RateLimit = 0.001
	cfg.Server.Burst = 2
	base := startTestServer(t, cfg)

	var codes []int
	for range 3 {
		resp, _ := doJSON(t, http.MethodGet, base+"/healthz", nil)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestSweepEndpoint(t *testing.T) {
	base := startTestServer(t, config.Default())

	createFact(t, base, engine.FactInput{
		Subject: "alice", Predicate: "works_at", Object: "acme", Confidence: 0.9, ValidFrom: date(2001, 1, 1),
	})

	resp, body := doJSON(t, http.MethodPost, base+"/api/maintenance/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var stats engine.SweepStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Decayed)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	base := startTestServer(t, config.Default())

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	var port int
	_, err := fmt.Sscanf(base[strings.LastIndex(base, ":")+1:], "%d", &port)
	require.NoError(t, err)
	cfg.Server.Port = port

	store, err := sqlite.NewStore(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()
	eng, err := engine.New(store, cfg)
	require.NoError(t, err)

	_, _, err = server.Start(context.Background(), cfg, eng, server.Options{})
	assert.Error(t, err)
}
