package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/cwbudde/simfit/internal/series"
)

// Stage identifies where in the evaluation pipeline a failure occurred.
type Stage string

const (
	StageSetup   Stage = "setup"
	StageRun     Stage = "run"
	StageTimeout Stage = "timeout"
	StageParse   Stage = "parse"
)

// Failure describes why a single evaluation produced no output. Failures
// attach to results; a batch call never fails as a whole because one
// evaluation did.
type Failure struct {
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("evaluation failed during %s: %s", f.Stage, f.Reason)
}

// Request asks for one model evaluation at a model-space parameter vector
// in canonical order. The tag names the purpose of the evaluation and ends
// up in logs.
type Request struct {
	Params []float64
	Tag    string
}

// Result is the outcome of one evaluation. Exactly one of Output and
// Failure is meaningful.
type Result struct {
	ID      int            `json:"id"`
	Params  []float64      `json:"params"`
	Output  series.Dataset `json:"output"`
	Runtime time.Duration  `json:"runtime"`
	Failure *Failure       `json:"failure,omitempty"`
}

// Failed reports whether the evaluation produced no usable output.
func (r Result) Failed() bool {
	return r.Failure != nil
}

// Evaluator runs model evaluations. Implementations return one result per
// request in request order and keep at most a configured number of
// evaluations in flight.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, reqs []Request) []Result
	Close() error
}

// Stats counts the work an evaluator performed over its lifetime.
type Stats struct {
	Total   int           `json:"total"`
	Failed  int           `json:"failed"`
	Cached  int           `json:"cached"`
	Runtime time.Duration `json:"runtime"`
}
