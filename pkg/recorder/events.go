package recorder

import (
	"time"

	"github.com/willibrandon/ctutor/pkg/trace"
)

// Entry is one line of the raw step log
type Entry struct {
	Index     int        `json:"index"`
	Timestamp time.Time  `json:"timestamp"`
	RunID     string     `json:"run_id,omitempty"`
	Step      trace.Step `json:"step"`
}

// CurrentTime returns the current time. It's a variable for testing purposes.
var CurrentTime = time.Now
