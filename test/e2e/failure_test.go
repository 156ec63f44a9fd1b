package e2e

import (
	"strings"
	"testing"
	"time"

	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/transport"
)

func TestRetryExhaustionTimesOut(t *testing.T) {
	h := startHarness(t)

	stop := h.runAgent("agent-1", []string{"net.ping"}, silentResponder)
	defer stop()

	task := h.createTask(t, `{"command_type":"net.ping","timeout_s":1,"max_retries":1}`)

	done := h.waitForState(t, task.ID, model.StateTimedOut)

	if done.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", done.AttemptCount)
	}
	if !strings.Contains(done.Failure, "deadline exceeded") {
		t.Errorf("failure = %q, want deadline marker", done.Failure)
	}
	if done.Result != nil {
		t.Errorf("timed-out task has result %+v", done.Result)
	}

	attempts := h.attempts(t, task.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	for _, a := range attempts {
		if a.EndedAt == nil {
			t.Errorf("attempt %d still open after timeout", a.AttemptNumber)
		}
	}
}

func TestAgentLossReclaim(t *testing.T) {
	h := startHarness(t)

	stopA := h.runAgent("agent-a", []string{"net.ping"}, silentResponder)

	task := h.createTask(t, `{"command_type":"net.ping"}`)

	h.waitForState(t, task.ID, model.StateDispatched)

	first := h.attempts(t, task.ID)
	if len(first) != 1 {
		t.Fatalf("attempts = %d, want 1", len(first))
	}
	if first[0].AgentID != "agent-a" {
		t.Fatalf("first attempt on %q, want agent-a", first[0].AgentID)
	}

	// agent-a goes dark; once its heartbeat ages out the sweep hands the
	// open attempt to whoever is still online.
	stopA()
	stopB := h.runAgent("agent-b", []string{"net.ping"}, echoResponder)
	defer stopB()

	done := h.waitForState(t, task.ID, model.StateCompleted)
	if done.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", done.AttemptCount)
	}

	attempts := h.attempts(t, task.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].AgentID != "agent-a" {
		t.Errorf("first attempt on %q, want agent-a", attempts[0].AgentID)
	}
	if attempts[0].EndedAt == nil {
		t.Error("reclaimed attempt left open")
	}
	if attempts[1].AgentID != "agent-b" {
		t.Errorf("second attempt on %q, want agent-b", attempts[1].AgentID)
	}
}

func TestLateResultAfterCancelIgnored(t *testing.T) {
	h := startHarness(t)

	claimed := make(chan transport.TaskEnvelope, 1)
	capture := func(env transport.TaskEnvelope) []*model.ResultEnvelope {
		select {
		case claimed <- env:
		default:
		}
		return nil
	}

	stop := h.runAgent("agent-1", []string{"net.ping"}, capture)
	defer stop()

	task := h.createTask(t, `{"command_type":"net.ping"}`)
	h.waitForState(t, task.ID, model.StateDispatched)

	var env transport.TaskEnvelope
	select {
	case env = <-claimed:
	case <-time.After(waitTimeout):
		t.Fatal("agent never received the envelope")
	}

	h.cancelTask(t, task.ID)

	outcome, err := h.trySubmit(&model.ResultEnvelope{
		TaskID:        env.TaskID,
		AttemptNumber: env.AttemptNumber,
		Final:         true,
		StatusHint:    model.ResultStatusSuccess,
		Payload:       []byte("too late"),
	})
	if err != nil {
		t.Fatalf("submit result: %v", err)
	}
	if outcome != string(engine.OutcomeStale) {
		t.Errorf("outcome = %q, want %q", outcome, engine.OutcomeStale)
	}

	got := h.getTask(t, task.ID)
	if got.State != model.StateCancelled {
		t.Errorf("state = %q, want %q", got.State, model.StateCancelled)
	}
	if got.Result != nil {
		t.Errorf("cancelled task has result %+v", got.Result)
	}
}
