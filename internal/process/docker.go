package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// killGrace is how long a command may keep its pipes open after its
// context is done before Wait gives up on it.
const killGrace = 5 * time.Second

// DockerAdapter drives containers through the docker CLI.
type DockerAdapter struct {
	binary   string
	logLimit int
}

// NewDockerAdapter creates an adapter that shells out to binary ("docker"
// when empty).
func NewDockerAdapter(binary string) *DockerAdapter {
	if binary == "" {
		binary = "docker"
	}
	return &DockerAdapter{binary: binary, logLimit: 500}
}

// Scheme returns SchemeDocker.
func (d *DockerAdapter) Scheme() models.TargetScheme { return models.SchemeDocker }

// run executes one docker command. When ctx ends the process is killed and
// reaped; WaitDelay bounds how long leftover pipe readers may linger.
func (d *DockerAdapter) run(ctx context.Context, args ...string) (string, error) {
	if _, err := exec.LookPath(d.binary); err != nil {
		return "", fmt.Errorf("%s not found in PATH; install Docker to use the docker adapter", d.binary)
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.WaitDelay = killGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("binary", d.binary).Strs("args", args).Msg("Running docker command")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("docker %s: %w", args[0], ctx.Err())
		}
		return "", fmt.Errorf("docker %s failed: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

func (d *DockerAdapter) Start(ctx context.Context, ref string, _ int) (bool, error) {
	if _, err := d.run(ctx, "start", ref); err != nil {
		return false, err
	}
	return d.isRunning(ctx, ref)
}

func (d *DockerAdapter) Stop(ctx context.Context, ref string, timeoutSeconds int) (bool, error) {
	if _, err := d.run(ctx, "stop", "-t", strconv.Itoa(graceSeconds(timeoutSeconds)), ref); err != nil {
		return false, err
	}
	running, err := d.isRunning(ctx, ref)
	return !running, err
}

func (d *DockerAdapter) Restart(ctx context.Context, ref string, timeoutSeconds int) (bool, error) {
	if _, err := d.run(ctx, "restart", "-t", strconv.Itoa(graceSeconds(timeoutSeconds)), ref); err != nil {
		return false, err
	}
	return d.isRunning(ctx, ref)
}

// Inspect returns a trimmed view of `docker inspect`.
func (d *DockerAdapter) Inspect(ctx context.Context, ref string) (map[string]interface{}, error) {
	out, err := d.run(ctx, "inspect", "--type", "container", ref)
	if err != nil {
		return nil, err
	}
	var docs []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &docs); err != nil {
		return nil, fmt.Errorf("parse docker inspect: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("container %s not found", ref)
	}
	doc := docs[0]
	attrs := map[string]interface{}{
		"id":   doc["Id"],
		"name": strings.TrimPrefix(fmt.Sprint(doc["Name"]), "/"),
	}
	if state, ok := doc["State"].(map[string]interface{}); ok {
		attrs["status"] = state["Status"]
		attrs["running"] = state["Running"]
		attrs["restarting"] = state["Restarting"]
		attrs["exit_code"] = state["ExitCode"]
		attrs["started_at"] = state["StartedAt"]
		if h, ok := state["Health"].(map[string]interface{}); ok {
			attrs["health"] = h["Status"]
		}
	}
	if cfg, ok := doc["Config"].(map[string]interface{}); ok {
		attrs["image"] = cfg["Image"]
	}
	attrs["restart_count"] = doc["RestartCount"]
	return attrs, nil
}

// GetLogs reads `docker logs --timestamps` for window into a capped buffer.
func (d *DockerAdapter) GetLogs(ctx context.Context, ref string, window time.Duration) ([]contracts.LogEntry, error) {
	if window <= 0 {
		window = 15 * time.Minute
	}
	out, err := d.run(ctx, "logs", "--timestamps", "--since", window.String(), ref)
	if err != nil {
		return nil, err
	}
	buf := NewLogBuffer(d.logLimit)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		buf.Append(parseDockerLogLine(sc.Text()))
	}
	return buf.Recent(0), nil
}

// Prune removes dangling images. ref is ignored; pruning is host-wide.
func (d *DockerAdapter) Prune(ctx context.Context, _ string) (map[string]interface{}, error) {
	out, err := d.run(ctx, "image", "prune", "-f")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"output": strings.TrimSpace(out)}, nil
}

func (d *DockerAdapter) isRunning(ctx context.Context, ref string) (bool, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Running}}", ref)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// parseDockerLogLine splits the RFC3339Nano prefix added by --timestamps.
func parseDockerLogLine(line string) contracts.LogEntry {
	ts, rest, ok := strings.Cut(line, " ")
	if ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return contracts.LogEntry{Timestamp: t.UTC(), Stream: "stdout", Line: rest}
		}
	}
	return contracts.LogEntry{Timestamp: time.Now().UTC(), Stream: "stdout", Line: line}
}

// graceSeconds leaves part of the hard deadline for docker itself to
// return after the container's stop grace period.
func graceSeconds(timeoutSeconds int) int {
	switch {
	case timeoutSeconds <= 0:
		return 10
	case timeoutSeconds <= 5:
		return 1
	}
	return timeoutSeconds * 2 / 3
}
