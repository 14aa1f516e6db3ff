package api

import (
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
	"go.uber.org/zap"

	"dispersal/pkg/catalog"
	"dispersal/pkg/config"
	"dispersal/pkg/conflict"
	"dispersal/pkg/coordinator"
	"dispersal/pkg/migration"
	"dispersal/pkg/placement"
	"dispersal/pkg/types"
)

type nullTransport struct{}

func (nullTransport) WriteFragment(context.Context, types.ContentRef, types.JurisdictionID) error {
	return nil
}

func (nullTransport) DeleteFragment(context.Context, types.ContentRef, types.JurisdictionID) error {
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	reqs []types.ChallengeRequest
}

func (s *recordingSink) EmitChallenge(_ context.Context, req types.ChallengeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func newTestServer(t *testing.T) (*httptest.Server, *recordingSink) {
	t.Helper()

	cat := catalog.New()
	records := []*types.JurisdictionRecord{}
	for _, id := range []types.JurisdictionID{"andorra", "belau", "comoros", "djibouti", "eswatini"} {
		records = append(records, &types.JurisdictionRecord{
			ID:            id,
			PrivacyScore:  len(records) * 2,
			MLATDelayDays: 30 * (len(records) + 1),
			Treaties:      map[types.TreatyID]bool{},
		})
	}
	require.NoError(t, cat.Load(records))

	cfg := config.Default()
	cfg.Retry = migration.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterFactor: 0}

	scorer := conflict.NewScorer(cat, conflict.DefaultWeights())
	optimizer := placement.NewOptimizer(cat, scorer, placement.Policy{NoCoLocation: true})
	executor := migration.NewExecutor(nullTransport{}, zap.NewNop(), cfg.Retry, cfg.MaxOutstanding)
	sink := &recordingSink{}

	coord := coordinator.New(cfg, cat, optimizer, executor, sink, nil, zap.NewNop())
	t.Cleanup(coord.Stop)

	srv := httptest.NewServer(NewServer(coord, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv, sink
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func registerDataset(t *testing.T, srv *httptest.Server, id string) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/datasets", `{
		"dataset_id": "`+id+`",
		"sensitivity": 5,
		"fragments": [
			{"fragment_id": "f1", "content_ref": "ref-f1"},
			{"fragment_id": "f2", "content_ref": "ref-f2"},
			{"fragment_id": "f3", "content_ref": "ref-f3"}
		]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRegisterEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/datasets", `{
		"dataset_id": "ds-1",
		"sensitivity": 7,
		"fragments": [
			{"fragment_id": "f1", "content_ref": "ref-f1"},
			{"fragment_id": "f2", "content_ref": "ref-f2"},
			{"fragment_id": "f3", "content_ref": "ref-f3"}
		]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		DatasetID        string            `json:"dataset_id"`
		PlacementVersion uint64            `json:"placement_version"`
		Assignments      map[string]string `json:"assignments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ds-1", body.DatasetID)
	assert.Equal(t, uint64(1), body.PlacementVersion)
	require.Len(t, body.Assignments, 3)

	distinct := make(map[string]bool)
	for _, jur := range body.Assignments {
		distinct[jur] = true
	}
	assert.Len(t, distinct, 3, "no two fragments share a jurisdiction")
}

func TestRegisterEndpointRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/datasets", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	registerDataset(t, srv, "ds-1")

	resp, err := http.Get(srv.URL + "/status/ds-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		DatasetID        string `json:"dataset_id"`
		State            string `json:"state"`
		PlacementVersion uint64 `json:"placement_version"`
		FragmentCount    int    `json:"fragment_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ds-1", body.DatasetID)
	assert.Equal(t, "STABLE", body.State)
	assert.Equal(t, uint64(1), body.PlacementVersion)
	assert.Equal(t, 3, body.FragmentCount)
}

func TestStatusEndpointUnknownDataset(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status/nowhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body["kind"])
}

func TestStatusAllEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	registerDataset(t, srv, "bravo")
	registerDataset(t, srv, "alpha")

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []struct {
		DatasetID string `json:"dataset_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 2)
	assert.Equal(t, "alpha", body[0].DatasetID)
	assert.Equal(t, "bravo", body[1].DatasetID)
}

func TestThreatSignalEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	registerDataset(t, srv, "ds-1")

	resp := postJSON(t, srv.URL+"/signals/threat", `{"dataset_id":"ds-1","severity":2,"source":"ids"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/signals/threat", `{"dataset_id":"nowhere","severity":9,"source":"ids"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAccessSignalEndpointEmitsChallenges(t *testing.T) {
	srv, sink := newTestServer(t)
	registerDataset(t, srv, "ds-1")

	resp := postJSON(t, srv.URL+"/signals/access", `{"dataset_id":"ds-1","suspected_origin_jurisdiction":"belau"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeregisterEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	registerDataset(t, srv, "ds-1")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/datasets/ds-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	check, err := http.Get(srv.URL + "/status/ds-1")
	require.NoError(t, err)
	defer check.Body.Close()
	assert.Equal(t, http.StatusNotFound, check.StatusCode)
}

func TestResetEndpointRejectsStableDataset(t *testing.T) {
	srv, _ := newTestServer(t)
	registerDataset(t, srv, "ds-1")

	resp := postJSON(t, srv.URL+"/datasets/ds-1/reset", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, strings.Contains(body["error"], "reset applies only"))
}
