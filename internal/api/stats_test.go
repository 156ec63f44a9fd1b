package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/store"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats store.TaskStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgAttempts != 0 {
		t.Errorf("avg_attempts = %f, want 0", stats.AvgAttempts)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for range 3 {
		resp, _ := http.Post(ts.URL+"/v1/tasks", "application/json",
			bytes.NewBufferString(`{"command_type":"net.ping"}`))
		var task model.Task
		json.NewDecoder(resp.Body).Decode(&task)
		resp.Body.Close()
		ids = append(ids, task.ID)
	}
	resp, _ := http.Post(ts.URL+"/v1/tasks", "application/json",
		bytes.NewBufferString(`{"command_type":"shell.execute","parameters":{"command":"uname -a"}}`))
	resp.Body.Close()

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/tasks/"+ids[0], nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()

	statsResp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer statsResp.Body.Close()

	if statsResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", statsResp.StatusCode)
	}

	var stats store.TaskStats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.CountByState[model.StateQueued] != 3 {
		t.Errorf("by_state[QUEUED] = %d, want 3", stats.CountByState[model.StateQueued])
	}
	if stats.CountByState[model.StateCancelled] != 1 {
		t.Errorf("by_state[CANCELLED] = %d, want 1", stats.CountByState[model.StateCancelled])
	}
	if stats.CountByCommand["net.ping"] != 3 {
		t.Errorf("by_command[net.ping] = %d, want 3", stats.CountByCommand["net.ping"])
	}
	if stats.CountByCommand["shell.execute"] != 1 {
		t.Errorf("by_command[shell.execute] = %d, want 1", stats.CountByCommand["shell.execute"])
	}
}
