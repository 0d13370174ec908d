package process

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// ProxmoxAdapter drives VMs through the Proxmox VE REST API using an API
// token ("user@realm!tokenid=secret").
type ProxmoxAdapter struct {
	baseURL      string
	token        string
	client       *http.Client
	pollInterval time.Duration
	maxRetries   uint64
}

// NewProxmoxAdapter creates an adapter for the API at baseURL
// (e.g. "https://pve.lan:8006").
func NewProxmoxAdapter(baseURL, token string, insecure bool) *ProxmoxAdapter {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // homelab self-signed certs
	}
	return &ProxmoxAdapter{
		baseURL:      strings.TrimRight(baseURL, "/") + "/api2/json",
		token:        token,
		client:       &http.Client{Timeout: 30 * time.Second, Transport: transport},
		pollInterval: time.Second,
		maxRetries:   3,
	}
}

// Scheme returns SchemeProxmox.
func (p *ProxmoxAdapter) Scheme() models.TargetScheme { return models.SchemeProxmox }

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("proxmox API HTTP %d: %s", e.Status, e.Body)
}

// do sends one API request, retrying transport errors and 5xx responses
// with exponential backoff. 4xx responses are permanent.
func (p *ProxmoxAdapter) do(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	var data json.RawMessage
	op := func() error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Authorization", "PVEAPIToken="+p.token)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode >= 500 {
			return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
		}
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("decode proxmox response: %w", err))
		}
		data = env.Data
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		log.Warn().Err(err).Str("path", path).Dur("retry_in", d).Msg("Proxmox API call failed, retrying")
	})
	return data, err
}

// splitRef parses "node/vmid" or "node".
func splitRef(ref string) (node, vmid string) {
	node, vmid, _ = strings.Cut(ref, "/")
	return node, vmid
}

func (p *ProxmoxAdapter) vmPath(ref string) (string, error) {
	node, vmid := splitRef(ref)
	if vmid == "" {
		return "", fmt.Errorf("%q is a node, not a VM: %w", ref, ErrUnsupported)
	}
	return "/nodes/" + url.PathEscape(node) + "/qemu/" + url.PathEscape(vmid), nil
}

// statusAction posts a status change and waits for the resulting task.
func (p *ProxmoxAdapter) statusAction(ctx context.Context, ref, action string, form url.Values) (bool, error) {
	base, err := p.vmPath(ref)
	if err != nil {
		return false, err
	}
	raw, err := p.do(ctx, http.MethodPost, base+"/status/"+action, form)
	if err != nil {
		return false, err
	}
	var upid string
	if err := json.Unmarshal(raw, &upid); err != nil || upid == "" {
		return false, fmt.Errorf("proxmox %s returned no task id", action)
	}
	node, _ := splitRef(ref)
	return p.waitTask(ctx, node, upid)
}

// waitTask polls a task until it stops and reports whether it exited OK.
func (p *ProxmoxAdapter) waitTask(ctx context.Context, node, upid string) (bool, error) {
	path := "/nodes/" + url.PathEscape(node) + "/tasks/" + url.PathEscape(upid) + "/status"
	var exit string
	poll := func() error {
		raw, err := p.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		var st struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			return backoff.Permanent(err)
		}
		if st.Status != "stopped" {
			return errors.New("task running")
		}
		exit = st.ExitStatus
		return nil
	}
	if err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(p.pollInterval), ctx)); err != nil {
		return false, fmt.Errorf("wait for proxmox task %s: %w", upid, err)
	}
	if exit != "OK" {
		return false, fmt.Errorf("proxmox task %s exited %q", upid, exit)
	}
	return true, nil
}

func (p *ProxmoxAdapter) Start(ctx context.Context, ref string, _ int) (bool, error) {
	return p.statusAction(ctx, ref, "start", url.Values{})
}

// Stop requests a guest shutdown, forcing a stop once timeoutSeconds pass.
func (p *ProxmoxAdapter) Stop(ctx context.Context, ref string, timeoutSeconds int) (bool, error) {
	form := url.Values{"forceStop": {"1"}}
	if timeoutSeconds > 0 {
		form.Set("timeout", strconv.Itoa(graceSeconds(timeoutSeconds)))
	}
	return p.statusAction(ctx, ref, "shutdown", form)
}

func (p *ProxmoxAdapter) Restart(ctx context.Context, ref string, timeoutSeconds int) (bool, error) {
	form := url.Values{}
	if timeoutSeconds > 0 {
		form.Set("timeout", strconv.Itoa(graceSeconds(timeoutSeconds)))
	}
	return p.statusAction(ctx, ref, "reboot", form)
}

// Inspect returns VM status, or node status for a bare node ref.
func (p *ProxmoxAdapter) Inspect(ctx context.Context, ref string) (map[string]interface{}, error) {
	node, vmid := splitRef(ref)
	path := "/nodes/" + url.PathEscape(node) + "/status"
	if vmid != "" {
		path = "/nodes/" + url.PathEscape(node) + "/qemu/" + url.PathEscape(vmid) + "/status/current"
	}
	raw, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("decode proxmox status: %w", err)
	}
	return attrs, nil
}

// GetLogs returns the node's task log entries for the VM within window.
func (p *ProxmoxAdapter) GetLogs(ctx context.Context, ref string, window time.Duration) ([]contracts.LogEntry, error) {
	node, vmid := splitRef(ref)
	q := url.Values{"since": {strconv.FormatInt(time.Now().Add(-window).Unix(), 10)}}
	if vmid != "" {
		q.Set("vmid", vmid)
	}
	raw, err := p.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/tasks?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var tasks []struct {
		StartTime int64  `json:"starttime"`
		Type      string `json:"type"`
		Status    string `json:"status"`
		User      string `json:"user"`
		UPID      string `json:"upid"`
	}
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("decode proxmox tasks: %w", err)
	}
	out := make([]contracts.LogEntry, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, contracts.LogEntry{
			Timestamp: time.Unix(t.StartTime, 0).UTC(),
			Stream:    "tasks",
			Line:      fmt.Sprintf("%s %s by %s (%s)", t.Type, t.Status, t.User, t.UPID),
		})
	}
	return out, nil
}

// Snapshot creates a named VM snapshot.
func (p *ProxmoxAdapter) Snapshot(ctx context.Context, ref, name string) (bool, error) {
	base, err := p.vmPath(ref)
	if err != nil {
		return false, err
	}
	if name == "" {
		name = "warden-" + time.Now().UTC().Format("20060102-150405")
	}
	raw, err := p.do(ctx, http.MethodPost, base+"/snapshot", url.Values{"snapname": {name}})
	if err != nil {
		return false, err
	}
	var upid string
	if err := json.Unmarshal(raw, &upid); err != nil || upid == "" {
		return false, errors.New("proxmox snapshot returned no task id")
	}
	node, _ := splitRef(ref)
	return p.waitTask(ctx, node, upid)
}
