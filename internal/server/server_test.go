package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrora-labs/opskb/internal/answer"
	"github.com/avrora-labs/opskb/internal/commit"
	"github.com/avrora-labs/opskb/internal/extract"
	"github.com/avrora-labs/opskb/internal/model"
	"github.com/avrora-labs/opskb/internal/monitoring"
	"github.com/avrora-labs/opskb/internal/search"
	"github.com/avrora-labs/opskb/internal/store"
	"github.com/avrora-labs/opskb/pkg/anthropic"
	"github.com/avrora-labs/opskb/pkg/embedding/mock"
)

const classificationJSON = `{"domain": "pricing", "confidence": 0.9, "reasoning": "prices"}`

const extractionJSON = `{
  "rules": [{"title": "Service X price", "body": "Service X costs 100 units.", "confidence": 0.95}],
  "qa_pairs": [{"question": "How much is service X?", "answer": "100 units.", "confidence": 0.95, "rule_index": 0}],
  "uncertainties": []
}`

// stubGateway answers classification and extraction by phase and everything
// else with a fixed composition reply.
type stubGateway struct{}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func (stubGateway) Complete(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if len(req.System) == 0 {
		return nil, eris.New("stub: no system prompt")
	}
	system := strings.ToLower(req.System[0].Text)
	switch {
	case strings.Contains(system, "classifying an internal document"):
		return reply(classificationJSON), nil
	case strings.Contains(system, "rephrase"):
		return reply(`{"expansions": [], "ambiguous": false}`), nil
	case strings.Contains(system, "typed entities"):
		return reply(`{}`), nil
	case strings.Contains(system, "classify the intent"):
		return reply(`{"kind": "pricing", "domains": ["pricing"], "confidence": 0.9}`), nil
	case strings.Contains(system, "answer questions strictly"):
		return reply("Service X costs 100 units."), nil
	default:
		return nil, eris.New("stub: unrouted system prompt")
	}
}

func (g stubGateway) Stream(ctx context.Context, req anthropic.MessageRequest, onDelta func(string)) (*anthropic.MessageResponse, error) {
	if onDelta != nil {
		onDelta(extractionJSON)
	}
	return reply(extractionJSON), nil
}

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	taxonomy, err := extract.LoadTaxonomy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	gw := stubGateway{}
	emb := mock.New()
	orchestrator := extract.New(st, gw, taxonomy, extract.Config{Heartbeat: time.Hour})
	committer := commit.New(st, emb, commit.Config{})
	searcher := search.New(st, emb, search.Config{})
	answerer := answer.New(st, gw, searcher, taxonomy, answer.Config{Model: "test-model"})
	collector := monitoring.NewCollector(st)

	srv := httptest.NewServer(New(st, orchestrator, committer, answerer, collector).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createDoc(t *testing.T, srv *httptest.Server) model.Document {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/documents", map[string]string{
		"title":   "Price list",
		"content": "Service X costs 100 units.\n\nBase rate is 50 units.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[model.Document](t, resp)
}

// runExtraction drives the SSE endpoint to its terminal event and returns
// the event kinds seen.
func runExtraction(t *testing.T, srv *httptest.Server, id string) []string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/documents/"+id+"/extract", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	return kinds
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateDocumentValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/documents", map[string]string{"title": "no content"})
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDocumentNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/documents/nope")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDocumentsByStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	createDoc(t, srv)

	resp, err := http.Get(srv.URL + "/api/documents?status=pending")
	require.NoError(t, err)
	docs := decode[[]model.Document](t, resp)
	assert.Len(t, docs, 1)

	resp, err = http.Get(srv.URL + "/api/documents?status=dead")
	require.NoError(t, err)
	docs = decode[[]model.Document](t, resp)
	assert.Empty(t, docs)
}

func TestExtractStreamEndsWithSingleTerminalEvent(t *testing.T) {
	srv, st := newTestServer(t)
	doc := createDoc(t, srv)

	kinds := runExtraction(t, srv, doc.ID)
	require.NotEmpty(t, kinds)

	terminals := 0
	for _, k := range kinds {
		if extract.EventKind(k).Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, "complete", kinds[len(kinds)-1])

	got, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtracted, got.Status)
}

func TestExtractUnknownDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/documents/nope/extract", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelWithoutRun(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/documents/nope/cancel", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReviewAndCommitFlow(t *testing.T) {
	srv, st := newTestServer(t)
	doc := createDoc(t, srv)
	runExtraction(t, srv, doc.ID)

	resp, err := http.Get(srv.URL + "/api/documents/" + doc.ID + "/staged")
	require.NoError(t, err)
	items := decode[[]model.StagedItem](t, resp)
	require.NotEmpty(t, items)

	resp = postJSON(t, srv.URL+"/api/documents/"+doc.ID+"/verify", reviewRequest{All: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode[map[string]int](t, resp)
	assert.Equal(t, len(items), verified["verified"])

	resp = postJSON(t, srv.URL+"/api/documents/"+doc.ID+"/commit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[commit.Result](t, resp)
	assert.Equal(t, 1, result.RulesCreated)
	assert.Equal(t, 1, result.QACreated)
	assert.NotZero(t, result.ChunksCreated)

	got, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestVerifyRequiresSelection(t *testing.T) {
	srv, _ := newTestServer(t)
	doc := createDoc(t, srv)

	resp := postJSON(t, srv.URL+"/api/documents/"+doc.ID+"/verify", reviewRequest{})
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnswerEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	doc := createDoc(t, srv)
	runExtraction(t, srv, doc.ID)
	postJSON(t, srv.URL+"/api/documents/"+doc.ID+"/verify", reviewRequest{All: true}).Body.Close() //nolint:errcheck
	postJSON(t, srv.URL+"/api/documents/"+doc.ID+"/commit", nil).Body.Close()                      //nolint:errcheck

	resp := postJSON(t, srv.URL+"/api/answer", map[string]any{
		"question": "Service X costs 100 units.",
		"debug":    true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ans := decode[answer.Response](t, resp)
	assert.Contains(t, ans.Answer, "100 units")
	assert.NotEqual(t, answer.TierInsufficient, ans.Tier)
	assert.NotEmpty(t, ans.Citations)
	require.NotNil(t, ans.Debug)
}

func TestAnswerValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/answer", map[string]string{"question": "  "})
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	srv, _ := newTestServer(t)
	createDoc(t, srv)

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	snap := decode[monitoring.Snapshot](t, resp)
	assert.Equal(t, 1, snap.DocumentsTotal)
	assert.Equal(t, 1, snap.DocumentsPending)
}

func TestReviveFlow(t *testing.T) {
	srv, st := newTestServer(t)
	doc := createDoc(t, srv)
	ctx := context.Background()

	// Revive rejects a non-DEAD document.
	resp, err := http.Post(srv.URL+"/api/documents/"+doc.ID+"/revive", "", nil)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, st.RecordFailure(ctx, doc.ID, model.StatusDead, "boom"))
	resp, err = http.Post(srv.URL+"/api/documents/"+doc.ID+"/revive", "", nil)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}
