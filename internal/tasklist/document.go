// internal/tasklist/document.go
package tasklist

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// State is the completion marker of one task line.
type State string

const (
	StateIncomplete State = "incomplete"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
)

var (
	// ErrTaskNotFound indicates the task id is not in the document.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateID indicates two task lines share an identifier.
	ErrDuplicateID = errors.New("duplicate task id")
)

// taskLinePattern matches a checkbox task line: indentation, list dash,
// marker, dotted numeric id (optional trailing dot), title.
var taskLinePattern = regexp.MustCompile(`^([ \t]*)- \[([ x-])\] ([0-9]+(?:\.[0-9]+)*)\.?[ \t]+(.*)$`)

// Task is one work item parsed from the document.
type Task struct {
	// ID is the hierarchical identifier, e.g. "1.2".
	ID string
	// Title is the text after the identifier.
	Title string
	// Line is the zero-based line index in the document.
	Line int
	// Depth is the number of id segments minus one.
	Depth int
	// State is the parsed completion marker.
	State State
}

// Document is a parsed task list retaining all original text.
type Document struct {
	lines           []string
	trailingNewline bool
	tasks           []Task
	byID            map[string]int // id -> index into tasks
	markerCol       map[string]int // id -> byte offset of the marker in its line
}

// Parse reads a task-list document. Lines that are not task lines are
// kept untouched and round-trip exactly.
func Parse(data []byte) (*Document, error) {
	text := string(data)
	trailing := strings.HasSuffix(text, "\n")
	if trailing {
		text = text[:len(text)-1]
	}

	var lines []string
	if text != "" || !trailing {
		lines = strings.Split(text, "\n")
	}

	d := &Document{
		lines:           lines,
		trailingNewline: trailing,
		byID:            make(map[string]int),
		markerCol:       make(map[string]int),
	}

	for i, line := range lines {
		m := taskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent, marker, id, title := m[1], m[2], m[3], m[4]

		if _, dup := d.byID[id]; dup {
			return nil, fmt.Errorf("%w: %s (line %d)", ErrDuplicateID, id, i+1)
		}

		t := Task{
			ID:    id,
			Title: strings.TrimRight(title, " \t"),
			Line:  i,
			Depth: strings.Count(id, "."),
			State: stateFromMarker(marker),
		}
		d.byID[id] = len(d.tasks)
		// Marker sits one byte past "- [".
		d.markerCol[id] = len(indent) + 3
		d.tasks = append(d.tasks, t)
	}

	return d, nil
}

// Tasks returns the parsed tasks in document order.
func (d *Document) Tasks() []Task {
	out := make([]Task, len(d.tasks))
	copy(out, d.tasks)
	return out
}

// Get returns the task with the given id.
func (d *Document) Get(id string) (Task, error) {
	idx, ok := d.byID[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return d.tasks[idx], nil
}

// SetState rewrites the completion marker of one task, leaving every
// other byte of the document untouched.
func (d *Document) SetState(id string, state State) error {
	idx, ok := d.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t := &d.tasks[idx]
	col := d.markerCol[id]
	line := d.lines[t.Line]
	d.lines[t.Line] = line[:col] + string(markerFromState(state)) + line[col+1:]
	t.State = state
	return nil
}

// Bytes serializes the document. With no SetState calls the output is
// byte-identical to the parsed input.
func (d *Document) Bytes() []byte {
	out := strings.Join(d.lines, "\n")
	if d.trailingNewline {
		out += "\n"
	}
	return []byte(out)
}

// Complete reports whether every task in the document is complete.
func (d *Document) Complete() bool {
	for _, t := range d.tasks {
		if t.State != StateComplete {
			return false
		}
	}
	return true
}

func stateFromMarker(marker string) State {
	switch marker {
	case "x":
		return StateComplete
	case "-":
		return StateInProgress
	default:
		return StateIncomplete
	}
}

func markerFromState(state State) byte {
	switch state {
	case StateComplete:
		return 'x'
	case StateInProgress:
		return '-'
	default:
		return ' '
	}
}
