package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/goal"
)

// AgentFunc handles AGENT actions: the rendered prompt goes to an
// external reasoning service and the reply comes back as output.
type AgentFunc func(ctx context.Context, prompt string, ev *core.Event) (string, error)

// Notifier delivers NOTIFY actions to a channel.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// logNotifier is the default notifier: messages land in the structured log.
type logNotifier struct {
	logger core.Logger
}

func (n *logNotifier) Notify(_ context.Context, channel, message string) error {
	n.logger.Info("Notification", map[string]interface{}{
		"channel": channel,
		"message": message,
	})
	return nil
}

// Dispatcher is the default Executor: it routes each action type to a
// concrete backend. Shell actions run through /bin/sh, HTTP actions
// through a shared client, NOTIFY through the configured notifier, and
// AGENT through an optional callback.
type Dispatcher struct {
	shell    string
	client   *http.Client
	notifier Notifier
	agent    AgentFunc
	logger   core.Logger
}

// DispatcherOption customizes the default executor.
type DispatcherOption func(*Dispatcher)

// WithNotifier replaces the log-backed notifier.
func WithNotifier(n Notifier) DispatcherOption {
	return func(d *Dispatcher) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithAgentFunc enables AGENT actions.
func WithAgentFunc(fn AgentFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.agent = fn
	}
}

// WithHTTPClient overrides the client used for HTTP actions.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithShell overrides the shell binary for SHELL actions.
func WithShell(path string) DispatcherOption {
	return func(d *Dispatcher) {
		if path != "" {
			d.shell = path
		}
	}
}

// NewDispatcher creates the default executor.
func NewDispatcher(logger core.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	d := &Dispatcher{
		shell:  "/bin/sh",
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
	d.notifier = &logNotifier{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute routes the action to its backend. The result is non-nil unless
// the action type is unknown.
func (d *Dispatcher) Execute(ctx context.Context, action goal.Action, ev *core.Event) (*ExecutionResult, error) {
	start := time.Now()
	var result *ExecutionResult
	var err error

	switch action.Type {
	case goal.ActionShell:
		result, err = d.runShell(ctx, action)
	case goal.ActionNotify:
		result, err = d.runNotify(ctx, action)
	case goal.ActionHTTP:
		result, err = d.runHTTP(ctx, action)
	case goal.ActionAgent:
		result, err = d.runAgent(ctx, action, ev)
	default:
		return nil, core.NewRuntimeError("runtime.Execute", "config",
			fmt.Errorf("%w: unknown action type %q", core.ErrConfigInvalid, action.Type))
	}

	if result != nil {
		result.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
	}
	return result, err
}

func (d *Dispatcher) runShell(ctx context.Context, action goal.Action) (*ExecutionResult, error) {
	if action.Command == "" {
		return &ExecutionResult{Error: "empty command"}, nil
	}

	cmd := exec.CommandContext(ctx, d.shell, "-c", action.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecutionResult{
		Success: err == nil,
		Metadata: map[string]interface{}{
			"stdout": truncateOutput(stdout.String()),
			"stderr": truncateOutput(stderr.String()),
		},
	}
	if err != nil {
		result.Error = err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = core.ErrTimeout.Error()
		}
	}
	return result, nil
}

func (d *Dispatcher) runNotify(ctx context.Context, action goal.Action) (*ExecutionResult, error) {
	if err := d.notifier.Notify(ctx, action.Channel, action.Message); err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}
	return &ExecutionResult{Success: true}, nil
}

func (d *Dispatcher) runHTTP(ctx context.Context, action goal.Action) (*ExecutionResult, error) {
	method := action.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if action.Body != "" {
		body = strings.NewReader(action.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, action.URL, body)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}
	if action.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return &ExecutionResult{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Metadata: map[string]interface{}{
			"status_code": resp.StatusCode,
		},
	}, nil
}

func (d *Dispatcher) runAgent(ctx context.Context, action goal.Action, ev *core.Event) (*ExecutionResult, error) {
	if d.agent == nil {
		return &ExecutionResult{Error: "no agent backend configured"}, nil
	}
	reply, err := d.agent(ctx, action.AgentPrompt, ev)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}
	return &ExecutionResult{
		Success: true,
		Metadata: map[string]interface{}{
			"agent_reply": truncateOutput(reply),
		},
	}, nil
}

func truncateOutput(s string) string {
	const max = 2048
	if len(s) <= max {
		return s
	}
	return s[:max]
}
