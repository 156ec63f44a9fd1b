package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/hermes/internal/model"
)

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "final success",
			raw:  `{"task_id":"t1","attempt_number":1,"sequence":0,"final":true,"status_hint":"success","payload":"aGk="}`,
		},
		{
			name: "intermediate chunk",
			raw:  `{"task_id":"t1","attempt_number":1,"sequence":3,"final":false,"payload":"aGk="}`,
		},
		{
			name:    "empty body",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"task_id":`,
			wantErr: true,
		},
		{
			name:    "missing task id",
			raw:     `{"attempt_number":1,"final":true,"status_hint":"success"}`,
			wantErr: true,
		},
		{
			name:    "final without status hint",
			raw:     `{"task_id":"t1","attempt_number":1,"final":true}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeResult([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, model.ErrValidation) {
					t.Fatalf("DecodeResult() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResult() error = %v", err)
			}
			if env.EnvelopeID == "" {
				t.Error("EnvelopeID not filled in")
			}
			if env.ReceivedAt.IsZero() {
				t.Error("ReceivedAt not filled in")
			}
		})
	}
}

func TestDecodeResultPreservesEnvelopeID(t *testing.T) {
	raw := `{"envelope_id":"given-id","task_id":"t1","attempt_number":1,"final":true,"status_hint":"failure"}`
	env, err := DecodeResult([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if env.EnvelopeID != "given-id" {
		t.Errorf("EnvelopeID = %q, want given-id", env.EnvelopeID)
	}
}

func TestDecodeResultSizeCap(t *testing.T) {
	raw := make([]byte, MaxResultSize+1)
	_, err := DecodeResult(raw)
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("oversized envelope error = %v, want ErrValidation", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &model.ResultEnvelope{
		EnvelopeID:    "e1",
		TaskID:        "t1",
		AttemptNumber: 2,
		Sequence:      1,
		Final:         true,
		StatusHint:    model.ResultStatusSuccess,
		Payload:       []byte("chunk"),
		ReceivedAt:    time.Now().UTC().Truncate(time.Second),
	}
	raw, err := EncodeResult(in)
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	out, err := DecodeResult(raw)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if out.TaskID != in.TaskID || out.AttemptNumber != in.AttemptNumber || out.Sequence != in.Sequence {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
	if string(out.Payload) != "chunk" || out.StatusHint != model.ResultStatusSuccess {
		t.Errorf("payload/hint = %s/%s", out.Payload, out.StatusHint)
	}
}

func TestMailboxSendAndDrain(t *testing.T) {
	m := NewMailbox(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env := TaskEnvelope{EnvelopeID: fmt.Sprintf("e%d", i), TaskID: fmt.Sprintf("t%d", i), AttemptNumber: 1}
		if err := m.Send(ctx, "agent-1", env); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	if err := m.Send(ctx, "agent-2", TaskEnvelope{EnvelopeID: "other"}); err != nil {
		t.Fatalf("Send(agent-2) error = %v", err)
	}

	got := m.Drain("agent-1")
	if len(got) != 3 {
		t.Fatalf("len(Drain()) = %d, want 3", len(got))
	}
	for i, env := range got {
		if env.TaskID != fmt.Sprintf("t%d", i) {
			t.Errorf("Drain()[%d].TaskID = %s, want FIFO order", i, env.TaskID)
		}
	}

	// A drain empties the box; the other agent's box is untouched.
	if again := m.Drain("agent-1"); len(again) != 0 {
		t.Errorf("second Drain() = %d envelopes, want 0", len(again))
	}
	if other := m.Drain("agent-2"); len(other) != 1 {
		t.Errorf("Drain(agent-2) = %d envelopes, want 1", len(other))
	}
}

func TestMailboxCapacity(t *testing.T) {
	m := NewMailbox(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.Send(ctx, "agent-1", TaskEnvelope{TaskID: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	err := m.Send(ctx, "agent-1", TaskEnvelope{TaskID: "overflow"})
	if !errors.Is(err, model.ErrTransport) {
		t.Errorf("overflow Send() error = %v, want ErrTransport", err)
	}

	// Draining frees the box again.
	m.Drain("agent-1")
	if err := m.Send(ctx, "agent-1", TaskEnvelope{TaskID: "after"}); err != nil {
		t.Errorf("Send() after drain error = %v", err)
	}
}

func TestMailboxSendCanceledContext(t *testing.T) {
	m := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Send(ctx, "agent-1", TaskEnvelope{TaskID: "t1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
}
