package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/originfs/ofsd/pkg/index"
	"github.com/originfs/ofsd/pkg/record"
	"github.com/originfs/ofsd/pkg/store"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	fs := memfs.New()
	logger := log.New(io.Discard, "", 0)
	manager := store.NewManager(fs, index.NewFileStore(fs, logger), logger)
	s := &Server{Store: manager, Log: logger, Opts: opts}
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)
	return ts
}

func recordJSON(t *testing.T, fileType, name, parent string) string {
	t.Helper()
	r := record.New()
	r.SetString(record.FieldType, fileType)
	r.SetString(record.FieldName, name)
	r.SetString(record.FieldParent, parent)
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return string(data)
}

func postBatch(t *testing.T, ts *httptest.Server, user, body string) (*http.Response, batchResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/files/"+user, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestBatchAddThenGet(t *testing.T) {
	ts := newTestServer(t, Options{})

	body := fmt.Sprintf(`[
		{"command":"UUIDa","uuid":"f1","dta":%s},
		{"command":"UUIDa","uuid":"u1","dta":%s}
	]`, recordJSON(t, record.FolderType, "Notes", ""), recordJSON(t, ".txt", "report", "Notes"))
	resp, out := postBatch(t, ts, "alice", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Status != "success" || out.OperationsCompleted != 2 || out.OperationsFailed != 0 {
		t.Fatalf("response = %+v", out)
	}
	if out.User != "alice" {
		t.Fatalf("user = %q", out.User)
	}
	if len(out.Details) != 2 || out.Details[0].ActualName != "Notes" || out.Details[1].ActualName != "report.txt" {
		t.Fatalf("details = %+v", out.Details)
	}

	getResp, err := http.Get(ts.URL + "/files/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	var flat []json.RawMessage
	if err := json.NewDecoder(getResp.Body).Decode(&flat); err != nil {
		t.Fatalf("decode flat: %v", err)
	}
	if len(flat) != 2*record.Size {
		t.Fatalf("flat length = %d, want %d", len(flat), 2*record.Size)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	ts := newTestServer(t, Options{})

	body := fmt.Sprintf(`[
		{"command":"UUIDa","uuid":"u1","dta":%s},
		{"command":"UUIDd","uuid":"ghost"}
	]`, recordJSON(t, ".txt", "a", ""))
	resp, out := postBatch(t, ts, "alice", body)
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Status != "partial_success" || out.OperationsFailed != 1 || len(out.Errors) != 1 {
		t.Fatalf("response = %+v", out)
	}
	// Failed intents that produced a detail entry still count as completed
	// operations; the errors list is what distinguishes them.
	if out.OperationsCompleted != 2 || len(out.Details) != 2 {
		t.Fatalf("completed = %d, details = %+v", out.OperationsCompleted, out.Details)
	}
	if out.Details[1].Status != "failed" {
		t.Fatalf("details = %+v", out.Details)
	}
}

func TestBatchAllFailed(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, out := postBatch(t, ts, "alice", `[{"command":"BOGUS","uuid":"u1"}]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out.Status != "error" || len(out.Errors) != 1 {
		t.Fatalf("response = %+v", out)
	}
}

func TestStringWrappedIntent(t *testing.T) {
	ts := newTestServer(t, Options{})

	inner := fmt.Sprintf(`{"command":"UUIDa","uuid":"u1","dta":%s}`, recordJSON(t, ".txt", "a", ""))
	wrapped, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, out := postBatch(t, ts, "alice", "["+string(wrapped)+"]")
	if resp.StatusCode != http.StatusOK || out.Status != "success" {
		t.Fatalf("status = %d, response = %+v", resp.StatusCode, out)
	}
}

func TestBatchUpdateIntent(t *testing.T) {
	ts := newTestServer(t, Options{})

	body := fmt.Sprintf(`[{"command":"UUIDa","uuid":"u1","dta":%s}]`, recordJSON(t, ".txt", "a", ""))
	if resp, _ := postBatch(t, ts, "alice", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed status = %d", resp.StatusCode)
	}

	resp, out := postBatch(t, ts, "alice", `[{"command":"UUIDr","uuid":"u1","idx":2,"dta":"renamed"}]`)
	if resp.StatusCode != http.StatusOK || out.Status != "success" {
		t.Fatalf("status = %d, response = %+v", resp.StatusCode, out)
	}
	if len(out.Details) != 1 || out.Details[0].Operation != "update" || out.Details[0].ChunkIndex == nil || *out.Details[0].ChunkIndex != 2 {
		t.Fatalf("details = %+v", out.Details)
	}
}

func TestEmptyBatchRejected(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, err := http.Post(ts.URL+"/files/alice", "application/json", strings.NewReader("[]"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestBadUserPath(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, path := range []string{"/files/", "/files/a/b"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("get %s: status = %d", path, resp.StatusCode)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, Options{})
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/files/alice", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, Options{APIKey: "sekret"})

	resp, err := http.Get(ts.URL + "/files/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/files/alice", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-API-Key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Options{CORS: true})
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/files/alice", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
