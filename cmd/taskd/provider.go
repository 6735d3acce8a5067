// cmd/taskd/provider.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/provider"
)

// execProvider bridges task attempts to an external command. The
// request goes to the command's stdin as JSON, the response comes back
// on stdout as JSON. A non-zero exit is surfaced as an error carrying
// stderr, so transient failures (timeouts, rate limits) classify from
// the command's own wording.
type execProvider struct {
	command string
	logger  *logging.Logger
}

func newExecProvider(command string, logger *logging.Logger) *execProvider {
	if logger == nil {
		logger = logging.Nop()
	}
	return &execProvider{command: command, logger: logger}
}

// execRequest is the wire form handed to the provider command.
type execRequest struct {
	TaskID       string        `json:"task_id"`
	Title        string        `json:"title"`
	Requirements string        `json:"requirements,omitempty"`
	Design       string        `json:"design,omitempty"`
	Iteration    int           `json:"iteration"`
	Failures     *execFailures `json:"failures,omitempty"`
}

type execFailures struct {
	Attempts   int      `json:"attempts"`
	ErrorTexts []string `json:"error_texts,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Reasoning  []string `json:"reasoning,omitempty"`
}

// execResponse is the wire form expected back on stdout.
type execResponse struct {
	FilesCreated []string `json:"files_created,omitempty"`
	Actions      []string `json:"actions,omitempty"`
	Output       string   `json:"output,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
}

func (p *execProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	wire := execRequest{
		TaskID:       req.TaskID,
		Title:        req.Title,
		Requirements: req.Requirements,
		Design:       req.Design,
		Iteration:    req.Iteration,
	}
	if req.Failures != nil && !req.Failures.Empty() {
		wire.Failures = &execFailures{
			Attempts:   req.Failures.Attempts,
			ErrorTexts: req.Failures.ErrorTexts,
			Actions:    req.Failures.Actions,
			Reasoning:  req.Failures.Reasoning,
		}
	}
	input, err := json.Marshal(wire)
	if err != nil {
		return nil, provider.Fatal("encode provider request", err)
	}

	// The command string may carry its own arguments.
	parts := strings.Fields(p.command)
	if len(parts) == 0 {
		return nil, provider.Fatal("empty provider command", nil)
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug(ctx, "invoking provider command",
		zap.String("task_id", req.TaskID),
		zap.Int("iteration", req.Iteration))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("provider command: %s", msg)
	}

	var out execResponse
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return &provider.Response{
		FilesCreated: out.FilesCreated,
		Actions:      out.Actions,
		Output:       out.Output,
		Reasoning:    out.Reasoning,
	}, nil
}
