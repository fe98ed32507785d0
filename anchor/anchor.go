// Package anchor correlates source data rows with page rows. Sequential
// mode maps by position; anchor mode reads a key column off the page and
// builds a value lookup. Either way the output is one ordered Queue of
// fill tasks.
package anchor

import (
	"fmt"
	"sync"

	"github.com/hazyhaar/formweaver/fingerprint"
)

// SkippedDest marks a task whose anchor value was not found on the page.
const SkippedDest = -1

// Row is one source data row handed in by the caller.
type Row struct {
	// Index is the 0-based position in the source data.
	Index int `json:"index"`
	// Key is the anchor-column value; empty in sequential mode.
	Key string `json:"key,omitempty"`
	// Values maps data field names to the cell values to write.
	Values map[string]string `json:"values"`
}

// Pair binds the anchor data field to the page control carrying the key
// column, chosen from the matching result.
type Pair struct {
	Field   string
	Control *fingerprint.Fingerprint
}

// Status of one fill task.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Task is one unit of fill work: a source row aimed at a destination
// page row, with a snapshot of the values to write.
type Task struct {
	SourceIndex int
	// DestIndex is the 0-based page row, or SkippedDest when the anchor
	// value was not found.
	DestIndex   int
	Values      map[string]string
	AnchorValue string
	Status      Status
	Message     string
}

// Skipped reports whether the task was resolved to no page row.
func (t *Task) Skipped() bool { return t.DestIndex == SkippedDest }

// Queue is an ordered list of tasks with a resumable cursor. Safe for
// use from the session worker and a concurrent status reader.
type Queue struct {
	mu     sync.Mutex
	tasks  []*Task
	cursor int
}

// NewQueue wraps tasks in a queue with the cursor at the start.
func NewQueue(tasks []*Task) *Queue {
	return &Queue{tasks: tasks}
}

// Len is the total task count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Cursor is the index of the next task to hand out.
func (q *Queue) Cursor() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// SetCursor positions the queue, clamped to [0, Len]. Used on resume.
func (q *Queue) SetCursor(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(q.tasks) {
		n = len(q.tasks)
	}
	q.cursor = n
}

// TakeNext returns up to n tasks from the cursor without moving it.
// n < 0 returns everything remaining.
func (q *Queue) TakeNext(n int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	rest := q.tasks[q.cursor:]
	if n < 0 || n > len(rest) {
		n = len(rest)
	}
	return rest[:n]
}

// Advance moves the cursor forward by n, clamped to the end.
func (q *Queue) Advance(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cursor += n
	if q.cursor > len(q.tasks) {
		q.cursor = len(q.tasks)
	}
	if q.cursor < 0 {
		q.cursor = 0
	}
}

// Counts summarizes task statuses.
type Counts struct {
	Pending, Success, Error, Skipped int
}

// Counts tallies the queue by status.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, t := range q.tasks {
		switch t.Status {
		case StatusSuccess:
			c.Success++
		case StatusError:
			c.Error++
		case StatusSkipped:
			c.Skipped++
		default:
			c.Pending++
		}
	}
	return c
}

// Sequential builds the positional queue: destination row equals the
// source row's 0-based position.
func Sequential(rows []Row) *Queue {
	tasks := make([]*Task, len(rows))
	for i, row := range rows {
		tasks[i] = &Task{
			SourceIndex: row.Index,
			DestIndex:   i,
			Values:      row.Values,
			Status:      StatusPending,
		}
	}
	return NewQueue(tasks)
}

func (t *Task) String() string {
	return fmt.Sprintf("task src=%d dest=%d status=%s", t.SourceIndex, t.DestIndex, t.Status)
}
