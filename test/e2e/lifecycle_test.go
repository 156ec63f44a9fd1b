package e2e

import (
	"strings"
	"testing"
	"time"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/transport"
)

func TestTaskRoundTrip(t *testing.T) {
	h := startHarness(t)

	stop := h.runAgent("agent-1", []string{"net.ping"}, echoResponder)
	defer stop()

	task := h.createTask(t, `{"command_type":"net.ping","parameters":{"payload":"are-you-there"},"created_by":"e2e"}`)

	done := h.waitForState(t, task.ID, model.StateCompleted)

	if done.Result == nil {
		t.Fatal("completed task has no result")
	}
	if got := string(done.Result.Payload); got != "are-you-there" {
		t.Errorf("result payload = %q, want %q", got, "are-you-there")
	}
	if done.Result.Status != model.ResultStatusSuccess {
		t.Errorf("result status = %q, want %q", done.Result.Status, model.ResultStatusSuccess)
	}
	if done.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", done.AttemptCount)
	}

	attempts := h.attempts(t, task.ID)
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].AgentID != "agent-1" {
		t.Errorf("attempt agent = %q, want agent-1", attempts[0].AgentID)
	}
	if attempts[0].EndedAt == nil {
		t.Error("attempt still open after completion")
	}
}

func TestChunkedResultAssembly(t *testing.T) {
	h := startHarness(t)

	chunked := func(env transport.TaskEnvelope) []*model.ResultEnvelope {
		mk := func(seq int, final bool, payload string) *model.ResultEnvelope {
			res := &model.ResultEnvelope{
				TaskID:        env.TaskID,
				AttemptNumber: env.AttemptNumber,
				Sequence:      seq,
				Final:         final,
				Payload:       []byte(payload),
			}
			if final {
				res.StatusHint = model.ResultStatusSuccess
			}
			return res
		}
		return []*model.ResultEnvelope{
			mk(0, false, "chunk-a|"),
			mk(1, false, "chunk-b|"),
			mk(2, true, "tail"),
		}
	}

	stop := h.runAgent("agent-1", []string{"file.download"}, chunked)
	defer stop()

	task := h.createTask(t, `{"command_type":"file.download","parameters":{"path":"/var/log/syslog"}}`)

	done := h.waitForState(t, task.ID, model.StateCompleted)

	if done.Result == nil {
		t.Fatal("completed task has no result")
	}
	if got := string(done.Result.Payload); got != "chunk-a|chunk-b|tail" {
		t.Errorf("assembled payload = %q, want %q", got, "chunk-a|chunk-b|tail")
	}
}

func TestDuplicateResultRedelivery(t *testing.T) {
	h := startHarness(t)

	stop := h.runAgent("agent-1", []string{"net.ping"}, echoResponder)
	defer stop()

	task := h.createTask(t, `{"command_type":"net.ping","parameters":{"payload":"ping-1"}}`)
	done := h.waitForState(t, task.ID, model.StateCompleted)

	// The channel may redeliver an envelope the correlator already applied.
	outcome, err := h.trySubmit(&model.ResultEnvelope{
		TaskID:        task.ID,
		AttemptNumber: done.AttemptCount,
		Final:         true,
		StatusHint:    model.ResultStatusSuccess,
		Payload:       []byte("ping-1"),
	})
	if err != nil {
		t.Fatalf("resubmit result: %v", err)
	}
	if outcome != "duplicate" {
		t.Errorf("outcome = %q, want %q", outcome, "duplicate")
	}

	after := h.getTask(t, task.ID)
	if after.State != model.StateCompleted {
		t.Errorf("state = %q, want %q", after.State, model.StateCompleted)
	}
	if after.AttemptCount != done.AttemptCount {
		t.Errorf("attempt count changed from %d to %d", done.AttemptCount, after.AttemptCount)
	}
	if string(after.Result.Payload) != "ping-1" {
		t.Errorf("result payload = %q, want %q", after.Result.Payload, "ping-1")
	}
}

func TestTargetedTaskRunsOnNamedAgent(t *testing.T) {
	h := startHarness(t)

	stopA := h.runAgent("agent-a", []string{"net.ping"}, echoResponder)
	defer stopA()
	stopB := h.runAgent("agent-b", []string{"net.ping"}, echoResponder)
	defer stopB()

	task := h.createTask(t, `{"agent_id":"agent-b","command_type":"net.ping"}`)

	h.waitForState(t, task.ID, model.StateCompleted)

	attempts := h.attempts(t, task.ID)
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].AgentID != "agent-b" {
		t.Errorf("attempt agent = %q, want agent-b", attempts[0].AgentID)
	}
}

func TestAgentFailureReport(t *testing.T) {
	h := startHarness(t)

	failing := func(env transport.TaskEnvelope) []*model.ResultEnvelope {
		return []*model.ResultEnvelope{{
			TaskID:        env.TaskID,
			AttemptNumber: env.AttemptNumber,
			Final:         true,
			StatusHint:    model.ResultStatusFailure,
			Payload:       []byte("host unreachable"),
		}}
	}

	stop := h.runAgent("agent-1", []string{"net.ping"}, failing)
	defer stop()

	task := h.createTask(t, `{"command_type":"net.ping"}`)

	done := h.waitForState(t, task.ID, model.StateFailed)

	if done.Result == nil {
		t.Fatal("failed task has no result")
	}
	if got := string(done.Result.Payload); got != "host unreachable" {
		t.Errorf("result payload = %q, want %q", got, "host unreachable")
	}
	if done.Failure == "" {
		t.Error("failure reason not recorded")
	}
	if !strings.Contains(done.Failure, "agent reported failure") {
		t.Errorf("failure = %q, want agent-reported marker", done.Failure)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	h := startHarness(t)

	// No agent online, so the task stays queued until cancelled.
	task := h.createTask(t, `{"command_type":"net.ping"}`)

	cancelled := h.cancelTask(t, task.ID)
	if cancelled.State != model.StateCancelled {
		t.Fatalf("state = %q, want %q", cancelled.State, model.StateCancelled)
	}

	// The dispatcher must not pick it back up once an agent shows up.
	stop := h.runAgent("agent-1", []string{"net.ping"}, echoResponder)
	defer stop()
	time.Sleep(150 * time.Millisecond)

	got := h.getTask(t, task.ID)
	if got.State != model.StateCancelled {
		t.Errorf("state = %q, want %q after agent came online", got.State, model.StateCancelled)
	}
}
