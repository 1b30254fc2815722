package uploader

import (
	"fmt"
	"strings"

	"github.com/b2publish/b2plugin/pkg/b2"
)

// State is where a file ended up in the upload state machine.
type State string

const (
	StateVerified State = "verified"
	StateFailed   State = "failed"
)

type Outcome struct {
	Task     Task
	State    State
	Result   *b2.UploadResult
	Attempts int
	Err      error
}

// Report holds one Outcome per task, in task order.
type Report struct {
	Outcomes []Outcome
}

func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == StateVerified {
			n++
		}
	}
	return n
}

func (r *Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Err summarizes the failed files, or returns nil when every file verified.
func (r *Report) Err() error {
	var failed []string
	for _, o := range r.Outcomes {
		if o.State != StateVerified {
			failed = append(failed, fmt.Sprintf("%s: %v", o.Task.LocalPath, o.Err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d files failed to upload: %s", len(failed), len(r.Outcomes), strings.Join(failed, "; "))
}
