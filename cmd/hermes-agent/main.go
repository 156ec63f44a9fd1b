// Command hermes-agent is a reference agent for exercising a hermes server.
// It heartbeats, polls its envelope mailbox, and answers every command with a
// simulated result — nothing is executed on the host, which makes it safe for
// demos, load tests, and development.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/hermes/internal/agents"
	"github.com/seantiz/hermes/internal/config"
	"github.com/seantiz/hermes/internal/model"
	"github.com/seantiz/hermes/internal/transport"
)

const version = "0.1.0"

const (
	minBeaconInterval = time.Second
	maxBeaconInterval = 5 * time.Minute
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "hermes server base URL")
		id       = flag.String("id", "", "agent id (defaults to agent-<hostname>)")
		interval = flag.Duration("interval", 5*time.Second, "heartbeat and poll interval")
		caps     = flag.String("capabilities", "shell.execute,file.upload,file.download,net.ping,agent.sleep", "comma-separated command types this agent accepts")
		inFlight = flag.Int("max-in-flight", 4, "in-flight task limit reported to the server")
	)
	flag.Parse()

	logger := config.NewLogger(os.Stderr, slog.LevelInfo)

	agentID := *id
	if agentID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		agentID = "agent-" + host
	}
	hostname, _ := os.Hostname()

	a := &agent{
		id:       agentID,
		hostname: hostname,
		caps:     strings.Split(*caps, ","),
		interval: *interval,
		maxTasks: *inFlight,
		client:   &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: 30 * time.Second}},
		logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("hermes-agent: starting",
		"server", *server, "agent_id", agentID, "interval", *interval, "capabilities", a.caps)

	if err := a.run(ctx); err != nil {
		log.Fatalf("agent error: %v", err)
	}
	logger.Info("hermes-agent: stopped")
}

// agent is the beacon loop state. Task handling is sequential: one envelope
// finishes before the next is started, oldest first.
type agent struct {
	id       string
	hostname string
	caps     []string
	interval time.Duration
	maxTasks int
	client   *client
	logger   *slog.Logger

	ticker *time.Ticker
}

func (a *agent) run(ctx context.Context) error {
	a.ticker = time.NewTicker(a.interval)
	defer a.ticker.Stop()

	for {
		a.beat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-a.ticker.C:
		}
	}
}

// beat performs one beacon cycle: heartbeat, drain the mailbox, handle each
// envelope. Server errors are logged and retried on the next cycle.
func (a *agent) beat(ctx context.Context) {
	err := a.client.heartbeat(ctx, a.id, agents.HeartbeatInfo{
		Hostname:     a.hostname,
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		Version:      version,
		Capabilities: a.caps,
		MaxInFlight:  a.maxTasks,
	})
	if err != nil {
		a.logger.Warn("heartbeat failed", "error", err)
		return
	}

	envs, err := a.client.envelopes(ctx, a.id)
	if err != nil {
		a.logger.Warn("poll envelopes failed", "error", err)
		return
	}

	for _, env := range envs {
		a.execute(ctx, env)
	}
}

// execute answers one envelope with simulated results: zero or more chunk
// envelopes followed by a final one carrying the status.
func (a *agent) execute(ctx context.Context, env transport.TaskEnvelope) {
	a.logger.Info("task received",
		"task_id", env.TaskID, "command_type", env.CommandType, "attempt", env.AttemptNumber)

	chunks, final, status := a.simulate(env)

	seq := 0
	for _, chunk := range chunks {
		res := &model.ResultEnvelope{
			TaskID:        env.TaskID,
			AttemptNumber: env.AttemptNumber,
			Sequence:      seq,
			Payload:       chunk,
		}
		if err := a.client.submit(ctx, res); err != nil {
			a.logger.Warn("submit chunk failed", "task_id", env.TaskID, "seq", seq, "error", err)
			return
		}
		seq++
	}

	res := &model.ResultEnvelope{
		TaskID:        env.TaskID,
		AttemptNumber: env.AttemptNumber,
		Sequence:      seq,
		Final:         true,
		StatusHint:    status,
		Payload:       final,
	}
	if err := a.client.submit(ctx, res); err != nil {
		a.logger.Warn("submit result failed", "task_id", env.TaskID, "error", err)
		return
	}
	a.logger.Info("task answered", "task_id", env.TaskID, "status", status)
}

// simulate fabricates a plausible response for the command without touching
// the host. agent.sleep is the one command with a real effect: it retunes the
// beacon interval.
func (a *agent) simulate(env transport.TaskEnvelope) (chunks [][]byte, final []byte, status string) {
	params := map[string]any{}
	if len(env.Parameters) > 0 {
		if err := json.Unmarshal(env.Parameters, &params); err != nil {
			return nil, []byte(fmt.Sprintf("bad parameters: %v", err)), model.ResultStatusFailure
		}
	}

	switch env.CommandType {
	case "shell.execute":
		cmd, _ := params["command"].(string)
		chunks = [][]byte{
			[]byte("$ " + cmd),
			[]byte("(simulated output)"),
		}
		return chunks, []byte("exit status 0"), model.ResultStatusSuccess

	case "file.upload":
		dest, _ := params["dest_path"].(string)
		return nil, []byte(fmt.Sprintf(`{"dest_path":%q,"bytes_written":0,"simulated":true}`, dest)), model.ResultStatusSuccess

	case "file.download":
		path, _ := params["path"].(string)
		chunks = [][]byte{[]byte("simulated contents of " + path)}
		return chunks, []byte(fmt.Sprintf(`{"path":%q,"bytes_read":0,"simulated":true}`, path)), model.ResultStatusSuccess

	case "net.ping":
		payload, _ := params["payload"].(string)
		if payload == "" {
			payload = "pong"
		}
		return nil, []byte(payload), model.ResultStatusSuccess

	case "agent.sleep":
		raw, _ := params["interval"].(string)
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, []byte(fmt.Sprintf("bad interval %q", raw)), model.ResultStatusFailure
		}
		d = min(max(d, minBeaconInterval), maxBeaconInterval)
		a.interval = d
		a.ticker.Reset(d)
		return nil, []byte("beacon interval set to " + d.String()), model.ResultStatusSuccess

	default:
		return nil, []byte("unsupported command " + env.CommandType), model.ResultStatusFailure
	}
}

// client wraps the server's agent-facing HTTP endpoints.
type client struct {
	base string
	http *http.Client
}

func (c *client) heartbeat(ctx context.Context, agentID string, info agents.HeartbeatInfo) error {
	body, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.post(ctx, "/v1/agents/"+agentID+"/heartbeat", body, nil)
}

func (c *client) envelopes(ctx context.Context, agentID string) ([]transport.TaskEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/v1/agents/"+agentID+"/envelopes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, readError(resp.Body))
	}

	var er struct {
		Envelopes []transport.TaskEnvelope `json:"envelopes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode envelopes: %w", err)
	}
	return er.Envelopes, nil
}

func (c *client) submit(ctx context.Context, env *model.ResultEnvelope) error {
	raw, err := transport.EncodeResult(env)
	if err != nil {
		return err
	}

	var out map[string]string
	if err := c.post(ctx, "/v1/results", raw, &out); err != nil {
		return err
	}
	// Anything but applied/chunk means the server discarded the envelope,
	// usually because the attempt was superseded. Stop streaming to it.
	if o := out["outcome"]; o != "applied" && o != "chunk" {
		return fmt.Errorf("server reported outcome %q", o)
	}
	return nil
}

func (c *client) post(ctx context.Context, path string, body []byte, out *map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, readError(resp.Body))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// readError extracts the error message from a JSON error body, falling back
// to the raw text.
func readError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err == nil && body["error"] != "" {
		return body["error"]
	}
	return strings.TrimSpace(string(raw))
}
