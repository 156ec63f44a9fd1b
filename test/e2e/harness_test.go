// Package e2e exercises the full stack end to end: tasks submitted through
// the HTTP API, dispatched by a running engine, picked up and answered by
// simulated agents over the same HTTP surface.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/hermes/internal/agents"
	"github.com/seantiz/hermes/internal/api"
	"github.com/seantiz/hermes/internal/command"
	"github.com/seantiz/hermes/internal/config"
	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
	"github.com/seantiz/hermes/internal/transport"
)

const (
	pollInterval  = 25 * time.Millisecond
	agentInterval = 20 * time.Millisecond
	offlineAfter  = 250 * time.Millisecond
	waitTimeout   = 10 * time.Second
)

// harness is a complete server on a live listener with fast engine loops.
type harness struct {
	url    string
	store  store.Store
	engine *engine.Engine
}

func startHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hermes.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	logger := config.NewLogger(io.Discard, slog.LevelInfo)
	reg := agents.NewRegistry(st, logger, offlineAfter, 4)
	mbox := transport.NewMailbox(0)
	eng := engine.NewEngine(st, reg, command.Builtin(), mbox, logger, engine.Options{
		DispatchInterval:  10 * time.Millisecond,
		SweepInterval:     25 * time.Millisecond,
		SendTimeout:       time.Second,
		DefaultTimeout:    60 * time.Second,
		DefaultMaxRetries: 2,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)

	srv := api.NewServer(":0", eng, reg, mbox, logger, nil)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		eng.Wait()
		st.Close()
	})

	return &harness{url: ts.URL, store: st, engine: eng}
}

// ---- raw HTTP helpers, safe to call from agent goroutines ----

func (h *harness) tryHeartbeat(id string, caps []string) error {
	body, _ := json.Marshal(agents.HeartbeatInfo{
		Hostname:     "e2e",
		Capabilities: caps,
		MaxInFlight:  4,
	})
	resp, err := http.Post(h.url+"/v1/agents/"+id+"/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat returned %d", resp.StatusCode)
	}
	return nil
}

func (h *harness) tryDrain(id string) ([]transport.TaskEnvelope, error) {
	resp, err := http.Get(h.url + "/v1/agents/" + id + "/envelopes")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("envelopes returned %d", resp.StatusCode)
	}

	var er struct {
		Envelopes []transport.TaskEnvelope `json:"envelopes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	return er.Envelopes, nil
}

func (h *harness) trySubmit(env *model.ResultEnvelope) (string, error) {
	raw, err := transport.EncodeResult(env)
	if err != nil {
		return "", err
	}
	resp, err := http.Post(h.url+"/v1/results", "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("results returned %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body["outcome"], nil
}

// ---- test-facing helpers ----

func (h *harness) createTask(t *testing.T, body string) model.Task {
	t.Helper()
	resp, err := http.Post(h.url+"/v1/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create task returned %d: %s", resp.StatusCode, raw)
	}

	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func (h *harness) getTask(t *testing.T, id string) model.Task {
	t.Helper()
	resp, err := http.Get(h.url + "/v1/tasks/" + id)
	if err != nil {
		t.Fatalf("GET /v1/tasks/%s: %v", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get task returned %d", resp.StatusCode)
	}

	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func (h *harness) cancelTask(t *testing.T, id string) model.Task {
	t.Helper()
	req, _ := http.NewRequest("DELETE", h.url+"/v1/tasks/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/tasks/%s: %v", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel task returned %d", resp.StatusCode)
	}

	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func (h *harness) attempts(t *testing.T, id string) []model.TaskAttempt {
	t.Helper()
	resp, err := http.Get(h.url + "/v1/tasks/" + id + "/attempts")
	if err != nil {
		t.Fatalf("GET attempts: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("attempts returned %d", resp.StatusCode)
	}

	var ar struct {
		Attempts []model.TaskAttempt `json:"attempts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		t.Fatalf("decode attempts: %v", err)
	}
	return ar.Attempts
}

// waitForState polls the task until it reaches state or the wait times out.
func (h *harness) waitForState(t *testing.T, id, state string) model.Task {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	var last model.Task
	for time.Now().Before(deadline) {
		last = h.getTask(t, id)
		if last.State == state {
			return last
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %s stuck in %s, want %s", id, last.State, state)
	return model.Task{}
}

// responder maps one task envelope to the result envelopes an agent submits
// for it. Returning nil swallows the envelope.
type responder func(env transport.TaskEnvelope) []*model.ResultEnvelope

// runAgent emulates an agent over the HTTP API: heartbeat and poll on a short
// interval, answering each envelope via respond. The returned stop function
// halts the loop and waits for it to exit.
func (h *harness) runAgent(id string, caps []string, respond responder) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(agentInterval)
		defer ticker.Stop()
		for {
			// Transient errors are dropped; the next cycle retries.
			if err := h.tryHeartbeat(id, caps); err == nil {
				envs, err := h.tryDrain(id)
				if err == nil {
					for _, env := range envs {
						if respond == nil {
							continue
						}
						for _, res := range respond(env) {
							_, _ = h.trySubmit(res)
						}
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// echoResponder answers net.ping envelopes with their payload parameter.
func echoResponder(env transport.TaskEnvelope) []*model.ResultEnvelope {
	var params struct {
		Payload string `json:"payload"`
	}
	_ = json.Unmarshal(env.Parameters, &params)
	if params.Payload == "" {
		params.Payload = "pong"
	}
	return []*model.ResultEnvelope{{
		TaskID:        env.TaskID,
		AttemptNumber: env.AttemptNumber,
		Final:         true,
		StatusHint:    model.ResultStatusSuccess,
		Payload:       []byte(params.Payload),
	}}
}

// silentResponder swallows every envelope, emulating an agent that accepts
// work and never reports back.
func silentResponder(transport.TaskEnvelope) []*model.ResultEnvelope {
	return nil
}
