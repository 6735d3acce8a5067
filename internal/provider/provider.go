// internal/provider/provider.go
package provider

import (
	"context"

	"github.com/fyrsmithlabs/taskd/internal/taskcontext"
)

// Request carries everything a provider needs to attempt a task.
type Request struct {
	TaskID string
	Title  string

	// Requirements and Design are the relevant excerpts of the project
	// documents, already selected by the caller.
	Requirements string
	Design       string

	// ExistingCode holds excerpts of files the task will touch.
	ExistingCode map[string]string

	// Failures summarizes what already went wrong, so the provider does
	// not repeat a failed strategy.
	Failures *taskcontext.FailureContext

	// Iteration is the reflection iteration this request belongs to,
	// starting at 1.
	Iteration int
}

// Response is what a provider attempt produced.
type Response struct {
	FilesCreated []string
	Actions      []string
	Output       string
	Reasoning    string
}

// Provider executes one task attempt.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}
