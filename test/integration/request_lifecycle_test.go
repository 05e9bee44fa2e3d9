package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/maestro/pkg/events"
	"github.com/cuemby/maestro/pkg/types"
)

// TestRequestLifecycleInlineResult drives the happy path end to end: a
// synchronous worker completes on the first attempt and the small body is
// stored inline.
func TestRequestLifecycleInlineResult(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	analysis := `{"issues":[],"files_scanned":42}`
	worker := newFakeWorker(t, func(call int, d dispatch) (int, string) {
		return http.StatusOK, `{"status":"completed","results":` + analysis + `,"content_type":"application/json"}`
	})

	s := newStack(t, nil)
	registered := s.registerWorker(fmt.Sprintf(`{
		"name": "analyzer",
		"endpoint": %q,
		"task_kinds": ["code_analysis"],
		"capabilities": [{"name":"code_analysis","version":"1.2.0","parameters":["read"]}]
	}`, worker.endpoint()))

	sub := s.orch.Broker().Subscribe()
	defer s.orch.Broker().Unsubscribe(sub)

	req := s.submit(testOwner, `{
		"kind": "code_analysis",
		"payload": {"repo":"git://example.com/repo"},
		"content_type": "application/json",
		"required_capabilities": [{"name":"code_analysis","version":"1.0.0","parameters":["read"]}]
	}`)
	if req.ID == "" {
		t.Fatal("Submit returned no request id")
	}
	t.Logf("✓ Request %s accepted", req.ID)

	done := s.waitRequestState(testOwner, req.ID, types.RequestStateSucceeded, 5*time.Second)
	if done.AttemptsMade != 1 {
		t.Errorf("Expected 1 attempt, got %d", done.AttemptsMade)
	}
	if done.LastWorkerID != registered.ID {
		t.Errorf("Expected worker %s, got %s", registered.ID, done.LastWorkerID)
	}
	if done.ResultID == "" {
		t.Error("Succeeded request has no result id")
	}
	t.Logf("✓ Request succeeded on worker %s", done.LastWorkerID)

	status, raw := s.do(http.MethodGet, "/v1/requests/"+req.ID+"/result", testOwner, "")
	if status != http.StatusOK {
		t.Fatalf("Get result returned %d: %s", status, raw)
	}
	var res types.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if res.Kind != types.ResultKindInline {
		t.Errorf("Expected inline result, got %s", res.Kind)
	}
	if string(res.Body) != analysis {
		t.Errorf("Result body mismatch: %s", res.Body)
	}
	if res.Size != int64(len(analysis)) {
		t.Errorf("Expected size %d, got %d", len(analysis), res.Size)
	}
	sum := sha256.Sum256([]byte(analysis))
	if want := "sha256:" + hex.EncodeToString(sum[:]); res.Checksum != want {
		t.Errorf("Expected checksum %s, got %s", want, res.Checksum)
	}

	status, raw = s.do(http.MethodGet, "/v1/requests/"+req.ID+"/result?resolve=true", testOwner, "")
	if status != http.StatusOK || string(raw) != analysis {
		t.Errorf("Resolve returned %d: %s", status, raw)
	}
	t.Logf("✓ Inline result verified (%d bytes)", res.Size)

	if worker.calls() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", worker.calls())
	}
	d := worker.recorded(0)
	if d.EnvelopeJWT == "" {
		t.Error("Dispatch carried no envelope")
	}
	if !strings.Contains(d.CallbackURL, "/v1/callbacks/") {
		t.Errorf("Unexpected callback URL %q", d.CallbackURL)
	}

	// The broker saw the terminal transition.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventRequestSucceeded && ev.RequestID == req.ID {
				t.Logf("✓ %s event observed", ev.Type)
				return
			}
		case <-timeout:
			t.Fatalf("No %s event observed", events.EventRequestSucceeded)
		}
	}
}

// TestRequestRetryAfterWorkerError covers the retry policy: a worker that
// answers 503 once is retried after backoff and the request still succeeds.
func TestRequestRetryAfterWorkerError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	worker := newFakeWorker(t, func(call int, d dispatch) (int, string) {
		if call == 0 {
			return http.StatusServiceUnavailable, `{"error":"briefly overloaded"}`
		}
		return http.StatusOK, `{"status":"completed","results":{"ok":true}}`
	})

	s := newStack(t, nil)
	s.registerWorker(fmt.Sprintf(`{"name":"flaky","endpoint":%q,"task_kinds":["code_analysis"]}`, worker.endpoint()))

	req := s.submit(testOwner, `{"kind":"code_analysis","max_attempts":3}`)
	done := s.waitRequestState(testOwner, req.ID, types.RequestStateSucceeded, 5*time.Second)

	if done.AttemptsMade != 2 {
		t.Errorf("Expected success on attempt 2, got %d", done.AttemptsMade)
	}
	if worker.calls() != 2 {
		t.Errorf("Expected 2 dispatches, got %d", worker.calls())
	}
	gap := worker.recorded(1).At.Sub(worker.recorded(0).At)
	if gap < 20*time.Millisecond {
		t.Errorf("Retry fired after %v, want at least the backoff base", gap)
	}
	t.Logf("✓ Retry succeeded after %v backoff", gap)
}

// TestAsyncRequestTimesOut covers the deadline path: a worker accepts
// asynchronously but never calls back, so every attempt times out and the
// request fails with a typed error result.
func TestAsyncRequestTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	worker := newFakeWorker(t, func(call int, d dispatch) (int, string) {
		return http.StatusAccepted, `{"status":"accepted"}`
	})

	s := newStack(t, nil)
	s.registerWorker(fmt.Sprintf(`{"name":"silent","endpoint":%q,"task_kinds":["video_transcode"]}`, worker.endpoint()))

	req := s.submit(testOwner, `{"kind":"video_transcode","deadline":1,"max_attempts":2}`)
	done := s.waitRequestState(testOwner, req.ID, types.RequestStateFailed, 10*time.Second)

	if done.ErrorKind != "timeout" {
		t.Errorf("Expected timeout error, got %s: %s", done.ErrorKind, done.ErrorMessage)
	}
	if done.AttemptsMade != 2 {
		t.Errorf("Expected both attempts spent, got %d", done.AttemptsMade)
	}
	if worker.calls() != 2 {
		t.Errorf("Expected 2 dispatches, got %d", worker.calls())
	}

	status, raw := s.do(http.MethodGet, "/v1/requests/"+req.ID+"/result", testOwner, "")
	if status != http.StatusOK {
		t.Fatalf("Get result returned %d: %s", status, raw)
	}
	var res types.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if res.Kind != types.ResultKindError || res.ErrorKind != "timeout" {
		t.Errorf("Expected a timeout error result, got %s/%s", res.Kind, res.ErrorKind)
	}
	t.Logf("✓ Async worker timed out after %d attempts", done.AttemptsMade)
}

// TestCancelDiscardsLateCallback cancels a request while its worker is
// still running. The worker's eventual callback must be acknowledged but
// ignored, and no result may appear.
func TestCancelDiscardsLateCallback(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	worker := newFakeWorker(t, func(call int, d dispatch) (int, string) {
		return http.StatusAccepted, `{"status":"accepted"}`
	})

	s := newStack(t, nil)
	s.registerWorker(fmt.Sprintf(`{"name":"slow","endpoint":%q,"task_kinds":["video_transcode"]}`, worker.endpoint()))

	req := s.submit(testOwner, `{"kind":"video_transcode","deadline":30}`)
	worker.waitCalls(t, 1, 5*time.Second)
	s.waitRequestState(testOwner, req.ID, types.RequestStateRunning, 5*time.Second)

	status, raw := s.do(http.MethodDelete, "/v1/requests/"+req.ID, testOwner, "")
	if status != http.StatusOK {
		t.Fatalf("Cancel returned %d: %s", status, raw)
	}
	if got := s.getRequest(testOwner, req.ID); got.State != types.RequestStateCancelled {
		t.Fatalf("Expected cancelled, got %s", got.State)
	}
	t.Logf("✓ Request cancelled mid-flight")

	// Cancelling again is a no-op.
	if status, raw = s.do(http.MethodDelete, "/v1/requests/"+req.ID, testOwner, ""); status != http.StatusOK {
		t.Errorf("Second cancel returned %d: %s", status, raw)
	}

	// The worker finishes anyway and posts its callback. The orchestrator
	// acknowledges so the worker stops retrying, but records nothing.
	d := worker.recorded(0)
	cb := fmt.Sprintf(`{"status":"completed","results":{"late":true},"signature":%q}`, d.EnvelopeJWT)
	resp, err := http.Post(d.CallbackURL, "application/json", strings.NewReader(cb))
	if err != nil {
		t.Fatalf("Callback failed: %v", err)
	}
	defer resp.Body.Close()
	ackRaw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read callback response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Callback returned %d: %s", resp.StatusCode, ackRaw)
	}
	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ackRaw, &ack); err != nil {
		t.Fatalf("Failed to decode callback ack: %v", err)
	}
	if ack.Status != "ignored" {
		t.Errorf("Expected late callback to be ignored, got %q", ack.Status)
	}

	status, raw = s.do(http.MethodGet, "/v1/requests/"+req.ID+"/result", testOwner, "")
	if status != http.StatusNotFound {
		t.Fatalf("Expected no result for cancelled request, got %d: %s", status, raw)
	}
	if e := decodeError(t, raw); e.Error.Kind != "not_found" {
		t.Errorf("Expected not_found, got %s", e.Error.Kind)
	}
	t.Logf("✓ Late callback ignored, no result recorded")
}
