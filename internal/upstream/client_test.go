package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/selection"
	"github.com/noah-isme/sma-adp-console/pkg/config"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveUpstreamRequest(method, resource string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, method+" "+resource)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordingObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	obs := &recordingObserver{}
	return NewClient(config.UpstreamConfig{BaseURL: srv.URL + "/", Token: "svc-token", Timeout: time.Second}, nil, obs), obs
}

func TestFetchOptionsSendsAncestorScope(t *testing.T) {
	client, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sections", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("class_id"))
		assert.Equal(t, "2", r.URL.Query().Get("arm_id"))
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"data":{"data":[{"id":9,"name":"A"},{"id":"10","title":"B"},{"name":"no id"}],"current_page":1}}`)
	})

	level := selection.ClassChain.Levels[2]
	opts, err := client.FetchOptions(context.Background(), level, selection.Scope{
		Keys: []string{"class", "arm"}, Values: []string{"5", "2"}, Complete: true,
	})
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.Equal(t, "9", opts[0].ID)
	assert.Equal(t, "A", opts[0].Label)
	assert.Equal(t, "B", opts[1].Label)
	assert.Equal(t, []string{"GET sections"}, obs.calls)
}

func TestFetchOptionsForwardsCallerToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[]`)
	})
	ctx := WithToken(context.Background(), "user-token")
	opts, err := client.FetchOptions(ctx, selection.ClassChain.Levels[0], selection.Scope{Complete: true})
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestFetchOptionsSurfacesServerMessage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"message":"not allowed"}}`)
	})
	_, err := client.FetchOptions(context.Background(), selection.ClassChain.Levels[0], selection.Scope{Complete: true})
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusForbidden, upErr.Status)
	assert.Equal(t, "not allowed", upErr.ServerMessage())
}

func TestFetchRowsAndRecords(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/students":
			assert.Equal(t, "5", r.URL.Query().Get("class_id"))
			assert.Empty(t, r.URL.Query().Get("term_id"))
			_, _ = io.WriteString(w, `{"data":[{"id":1,"first_name":"Ada","last_name":"Obi","admission_no":"A001"}]}`)
		case "/results":
			assert.Equal(t, "2", r.URL.Query().Get("term_id"))
			_, _ = io.WriteString(w, `{"data":[{"student_id":1,"score":65.50,"remarks":"Fair"}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	filter := batch.Filter{"session_id": "1", "term_id": "2", "class_id": "5", "arm_id": "2", "subject_id": "7"}

	rows, err := client.FetchRows(context.Background(), models.SheetKindResults, filter)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Identity)
	assert.Equal(t, "Ada Obi", rows[0].Label)
	assert.Equal(t, "A001", rows[0].Attributes["admission_no"])

	records, err := client.FetchExistingRecords(context.Background(), models.SheetKindResults, filter)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "65.50", records[0].Values["score"])
	assert.Equal(t, "Fair", records[0].Values["remarks"])
}

func TestSubmitBatch(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/results/batch", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5", body["context"].(map[string]interface{})["class_id"])
		entries := body["entries"].([]interface{})
		require.Len(t, entries, 1)
		assert.Equal(t, 2.0, entries[0].(map[string]interface{})["student_id"])

		_, _ = io.WriteString(w, `{"updated_records":[{"student_id":"2","score":"82.00","remarks":null}],"message":"1 result saved","meta":{"count":1}}`)
	})

	resp, err := client.SubmitBatch(context.Background(), batch.SubmitRequest{
		Kind:           models.SheetKindResults,
		IdentityKey:    "student_id",
		Context:        batch.Filter{"class_id": "5"},
		Entries:        []batch.Entry{{IdentityKey: "student_id", Identity: "2", Values: map[string]interface{}{"score": 82.0}}},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1 result saved", resp.Message)
	require.Len(t, resp.UpdatedRecords, 1)
	assert.Equal(t, "82.00", resp.UpdatedRecords[0].Values["score"])
	assert.Equal(t, "", resp.UpdatedRecords[0].Values["remarks"])
	assert.NotNil(t, resp.Meta["count"])
}

func TestSubmitBatchRejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"message":"term is closed for editing"}`)
	})
	_, err := client.SubmitBatch(context.Background(), batch.SubmitRequest{Kind: models.SheetKindAttendance})
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "term is closed for editing", upErr.ServerMessage())
}

func TestDecodeItemsShapes(t *testing.T) {
	cases := map[string]int{
		`[{"id":1}]`:                   1,
		`{"data":[{"id":1},{"id":2}]}`: 2,
		`{"data":{"data":[{"id":1}]}}`: 1,
		`{"data":null}`:                0,
		``:                             0,
	}
	for body, want := range cases {
		items, err := decodeItems([]byte(body))
		require.NoError(t, err, body)
		assert.Len(t, items, want, body)
	}

	_, err := decodeItems([]byte(`{"items":[]}`))
	assert.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "a", errorMessage([]byte(`{"message":"a"}`)))
	assert.Equal(t, "b", errorMessage([]byte(`{"error":"b"}`)))
	assert.Equal(t, "c", errorMessage([]byte(`{"error":{"message":"c"}}`)))
	assert.Equal(t, "", errorMessage([]byte(`<html>`)))
}
