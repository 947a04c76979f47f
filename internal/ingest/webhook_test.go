package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/connector"
)

const tokenEnv = "SHADOWSCAN_TEST_INGEST_TOKEN"

func testConfig() config.IngestConfig {
	cfg := config.DefaultConfig().Ingest
	cfg.TokenEnv = tokenEnv
	return cfg
}

type capture struct {
	records []connector.RawRecord
}

func (c *capture) handle(_ context.Context, records []connector.RawRecord) error {
	c.records = append(c.records, records...)
	return nil
}

func push(t *testing.T, h http.Handler, body, authorization, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/v1/events"+query, strings.NewReader(body))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const eventBatch = `[
	{"id":"e1","platform":"slack","timestamp":"2026-03-10T14:00:00Z","data":{"event_type":"file_shared","user":"svc-sync"}},
	{"id":"e2","platform":"google","timestamp":"2026-03-10T14:01:00Z","data":{"event_type":"permission_change","user":"svc-sync"}}
]`

// TestReceiver_AcceptsBatch delivers a JSON array with a valid bearer token
// and expects both events handed to the handler.
func TestReceiver_AcceptsBatch(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	sink := &capture{}
	r := NewReceiver(testConfig(), sink.handle, nil)
	rec := push(t, r.Handler(), eventBatch, "Bearer secret-token", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Zero(t, resp.Dropped)

	require.Len(t, sink.records, 2)
	assert.Equal(t, "e1", sink.records[0].ID)
	assert.Equal(t, connector.PlatformSlack, sink.records[0].Platform)
	assert.Equal(t, connector.PlatformGoogle, sink.records[1].Platform)

	stats := r.Stats()
	assert.EqualValues(t, 2, stats.EventsReceived)
	assert.WithinDuration(t, time.Now(), stats.LastEventAt, 5*time.Second)
}

// TestReceiver_NewlineDelimited accepts one JSON object per line.
func TestReceiver_NewlineDelimited(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	sink := &capture{}
	r := NewReceiver(testConfig(), sink.handle, nil)

	body := `{"id":"e1","platform":"slack","data":{"event_type":"message_post"}}
{"id":"e2","platform":"jira","data":{"event_type":"issue_create"}}`
	rec := push(t, r.Handler(), body, "Bearer secret-token", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sink.records, 2)
	// missing timestamps default to receipt time
	assert.False(t, sink.records[0].Timestamp.IsZero())
}

// TestReceiver_FailClosed rejects every request when no server-side token
// is configured.
func TestReceiver_FailClosed(t *testing.T) {
	t.Setenv(tokenEnv, "")
	r := NewReceiver(testConfig(), nil, nil)
	rec := push(t, r.Handler(), eventBatch, "Bearer anything", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestReceiver_RejectsQueryToken refuses tokens in the query string even
// when the header token is also present and correct.
func TestReceiver_RejectsQueryToken(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	r := NewReceiver(testConfig(), nil, nil)
	rec := push(t, r.Handler(), eventBatch, "Bearer secret-token", "?token=secret-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestReceiver_BadToken rejects a wrong or malformed bearer token.
func TestReceiver_BadToken(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	r := NewReceiver(testConfig(), nil, nil)

	for _, auth := range []string{"", "Bearer wrong", "Splunk secret-token", "secret-token"} {
		rec := push(t, r.Handler(), eventBatch, auth, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "auth %q", auth)
	}
}

// TestReceiver_DropsInvalidEvents keeps valid events when siblings have an
// unknown platform or no payload.
func TestReceiver_DropsInvalidEvents(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	sink := &capture{}
	r := NewReceiver(testConfig(), sink.handle, nil)

	body := `[
		{"id":"e1","platform":"slack","data":{"event_type":"file_shared"}},
		{"id":"e2","platform":"dropbox","data":{"event_type":"file_shared"}},
		{"id":"e3","platform":"google","data":{}}
	]`
	rec := push(t, r.Handler(), body, "Bearer secret-token", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp pushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 2, resp.Dropped)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "e1", sink.records[0].ID)
}

// TestReceiver_BatchTooLarge rejects batches over the configured maximum.
func TestReceiver_BatchTooLarge(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	r := NewReceiver(cfg, nil, nil)

	body := `[
		{"id":"e1","platform":"slack","data":{"a":1}},
		{"id":"e2","platform":"slack","data":{"a":1}},
		{"id":"e3","platform":"slack","data":{"a":1}}
	]`
	rec := push(t, r.Handler(), body, "Bearer secret-token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestReceiver_PayloadTooLarge rejects bodies over the size limit instead
// of silently truncating them.
func TestReceiver_PayloadTooLarge(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	cfg := testConfig()
	cfg.MaxEventSize = 64
	r := NewReceiver(cfg, nil, nil)

	rec := push(t, r.Handler(), eventBatch, "Bearer secret-token", "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// TestReceiver_MalformedBody returns 400 for non-JSON payloads.
func TestReceiver_MalformedBody(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	r := NewReceiver(testConfig(), nil, nil)

	for _, body := range []string{"", "not json", `[{"id":`} {
		rec := push(t, r.Handler(), body, "Bearer secret-token", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

// TestReceiver_HandlerError surfaces downstream failures and counts the
// batch as dropped.
func TestReceiver_HandlerError(t *testing.T) {
	t.Setenv(tokenEnv, "secret-token")
	handler := func(context.Context, []connector.RawRecord) error {
		return errors.New("buffer full")
	}
	r := NewReceiver(testConfig(), handler, nil)

	rec := push(t, r.Handler(), eventBatch, "Bearer secret-token", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.EqualValues(t, 2, r.Stats().EventsDropped)
}
