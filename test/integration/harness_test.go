package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/maestro/pkg/config"
	"github.com/cuemby/maestro/pkg/orchestrator"
	"github.com/cuemby/maestro/pkg/types"
)

const testOwner = "alice"

// stack is a full in-process deployment: the orchestrator on memory storage
// behind a real listener, so the callback URLs minted into envelopes resolve
// back to this process.
type stack struct {
	t    *testing.T
	orch *orchestrator.Orchestrator
	srv  *httptest.Server
}

func newStack(t *testing.T, mutate func(cfg *config.Config)) *stack {
	t.Helper()

	// Bind the API listener before building the orchestrator so the public
	// URL, and with it every callback URL, carries the real port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind listener: %v", err)
	}

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.OpsAddr = "127.0.0.1:0"
	cfg.Server.PublicURL = "http://" + l.Addr().String()
	cfg.Jobs.BackoffBase = config.Duration(20 * time.Millisecond)
	cfg.Jobs.BackoffCap = config.Duration(200 * time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		l.Close()
		t.Fatalf("Failed to build orchestrator: %v", err)
	}
	if err := orch.Start(); err != nil {
		t.Fatalf("Failed to start orchestrator: %v", err)
	}

	srv := httptest.NewUnstartedServer(orch.Handler())
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Stop(ctx); err != nil {
			t.Errorf("Failed to stop orchestrator: %v", err)
		}
	})
	return &stack{t: t, orch: orch, srv: srv}
}

// do sends one API call and returns the status code and raw body.
func (s *stack) do(method, path, owner, body string) (int, []byte) {
	s.t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		s.t.Fatalf("Failed to build %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("X-Maestro-Owner", owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("Failed to read %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, raw
}

func (s *stack) registerWorker(body string) *types.Worker {
	s.t.Helper()
	status, raw := s.do(http.MethodPost, "/v1/workers", "", body)
	if status != http.StatusCreated {
		s.t.Fatalf("Worker registration returned %d: %s", status, raw)
	}
	var w types.Worker
	if err := json.Unmarshal(raw, &w); err != nil {
		s.t.Fatalf("Failed to decode worker: %v", err)
	}
	return &w
}

func (s *stack) submit(owner, body string) *types.Request {
	s.t.Helper()
	status, raw := s.do(http.MethodPost, "/v1/requests", owner, body)
	if status != http.StatusAccepted {
		s.t.Fatalf("Submit returned %d: %s", status, raw)
	}
	var req types.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.t.Fatalf("Failed to decode request: %v", err)
	}
	return &req
}

func (s *stack) getRequest(owner, id string) *types.Request {
	s.t.Helper()
	status, raw := s.do(http.MethodGet, "/v1/requests/"+id, owner, "")
	if status != http.StatusOK {
		s.t.Fatalf("Get request returned %d: %s", status, raw)
	}
	var req types.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.t.Fatalf("Failed to decode request: %v", err)
	}
	return &req
}

func (s *stack) getResult(owner, id string) *types.Result {
	s.t.Helper()
	status, raw := s.do(http.MethodGet, "/v1/results/"+id, owner, "")
	if status != http.StatusOK {
		s.t.Fatalf("Get result returned %d: %s", status, raw)
	}
	var res types.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		s.t.Fatalf("Failed to decode result: %v", err)
	}
	return &res
}

// waitRequestState polls the request until it reaches want. A different
// terminal state fails the test immediately.
func (s *stack) waitRequestState(owner, id string, want types.RequestState, timeout time.Duration) *types.Request {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		req := s.getRequest(owner, id)
		if req.State == want {
			return req
		}
		if req.State.Terminal() {
			s.t.Fatalf("Request %s finished %s (error %s: %s), want %s",
				id, req.State, req.ErrorKind, req.ErrorMessage, want)
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("Request %s still %s after %v, want %s", id, req.State, timeout, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// apiError is the JSON error shape every failure returns.
type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, raw []byte) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", raw, err)
	}
	return e
}

// dispatch is one recorded delivery to a fake worker.
type dispatch struct {
	EnvelopeJWT string          `json:"envelope_jwt"`
	Payload     json.RawMessage `json:"payload"`
	ContentType string          `json:"content_type"`
	CallbackURL string          `json:"callback_url"`
	At          time.Time       `json:"-"`
}

// execFunc scripts a fake worker's execute endpoint: it receives the
// zero-based call number and the recorded dispatch and returns the HTTP
// status and body to answer with.
type execFunc func(call int, d dispatch) (int, string)

// fakeWorker is an in-process capability server. It answers health probes
// as healthy and records every dispatch before running the script.
type fakeWorker struct {
	srv *httptest.Server

	mu         sync.Mutex
	dispatches []dispatch
}

func newFakeWorker(t *testing.T, exec execFunc) *fakeWorker {
	t.Helper()
	w := &fakeWorker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"status":"healthy"}`)
	})
	mux.HandleFunc("/execute", func(rw http.ResponseWriter, r *http.Request) {
		var d dispatch
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		d.At = time.Now()
		w.mu.Lock()
		call := len(w.dispatches)
		w.dispatches = append(w.dispatches, d)
		w.mu.Unlock()

		status, body := exec(call, d)
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		fmt.Fprint(rw, body)
	})
	w.srv = httptest.NewServer(mux)
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWorker) endpoint() string { return w.srv.URL }

func (w *fakeWorker) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dispatches)
}

func (w *fakeWorker) recorded(i int) dispatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dispatches[i]
}

// waitCalls blocks until the worker has received n dispatches.
func (w *fakeWorker) waitCalls(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for w.calls() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Worker received %d dispatches after %v, want %d", w.calls(), timeout, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
