package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"
)

// SubprocessExecutor is the "subprocess" primitive: every runtime item
// eventually bottoms out here or at HTTPClientExecutor. It runs the item's
// declared command with params JSON-encoded on stdin and captures stdout.
type SubprocessExecutor struct {
	// Timeout bounds the child process; zero means no timeout beyond ctx.
	Timeout time.Duration
}

// Execute implements Executor.
func (e *SubprocessExecutor) Execute(ctx context.Context, item Item, params map[string]any) (any, error) {
	command, args, err := subprocessCommand(item)
	if err != nil {
		return nil, err
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshaling subprocess params: %w", err)
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("dispatch: subprocess %s failed: %w: %s", command, err, stderr.String())
	}
	var out any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return stdout.String(), nil
	}
	return out, nil
}

func subprocessCommand(item Item) (string, []string, error) {
	command, _ := item.Params["command"].(string)
	if command == "" {
		return "", nil, fmt.Errorf("dispatch: subprocess item %s missing params.command", item.DottedID)
	}
	var args []string
	if raw, ok := item.Params["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	return command, args, nil
}

// HTTPClientExecutor is the "http_client" primitive: runtimes that call out
// to HTTP APIs resolve to this executor.
type HTTPClientExecutor struct {
	Client *http.Client
}

// Execute implements Executor.
func (e *HTTPClientExecutor) Execute(ctx context.Context, item Item, params map[string]any) (any, error) {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	url, _ := item.Params["url"].(string)
	if url == "" {
		url, _ = params["url"].(string)
	}
	if url == "" {
		return nil, fmt.Errorf("dispatch: http_client item %s missing url", item.DottedID)
	}
	method, _ := item.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload, ok := params["body"]; ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("dispatch: marshaling http body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: building http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: http request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading http response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("dispatch: http request returned status %d: %s", resp.StatusCode, string(data))
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data), nil
	}
	return out, nil
}
