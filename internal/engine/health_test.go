package engine

import (
	"errors"
	"testing"
)

func TestHealthTracksComponents(t *testing.T) {
	h := NewHealth()

	if !h.OK() {
		t.Error("empty tracker should report OK")
	}

	h.SetOK("dispatcher")
	h.SetOK("supervisor")
	if !h.OK() {
		t.Error("OK() = false with all components healthy")
	}

	h.SetError("supervisor", errors.New("store unreachable"))
	if h.OK() {
		t.Error("OK() = true with a failed component")
	}

	got := h.Components()
	if got["dispatcher"] != "ok" || got["supervisor"] != "store unreachable" {
		t.Errorf("Components() = %v", got)
	}

	// The returned map is a copy.
	got["dispatcher"] = "mutated"
	if h.Components()["dispatcher"] != "ok" {
		t.Error("Components() exposed internal state")
	}

	h.SetOK("supervisor")
	if !h.OK() {
		t.Error("OK() = false after recovery")
	}
}
