package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

const defaultTimeout = 10 * time.Minute

// Local runs one external simulation process per evaluation. Each
// evaluation gets its own working directory under the communication root,
// identified by a monotonically increasing ID owned by this instance.
type Local struct {
	command []string
	root    string
	names   []string
	fixed   map[string]float64
	adapter Adapter
	timeout time.Duration
	workers int

	mu     sync.Mutex
	nextID int
	cache  map[string]Result
	stats  Stats
}

// LocalConfig configures a Local evaluator.
type LocalConfig struct {
	// Command is the simulation binary and its fixed arguments. The
	// evaluation ID and communication directory are appended per run.
	Command []string
	// Dir is the communication root; per-evaluation directories are
	// created beneath it.
	Dir string
	// Names is the canonical parameter order of request vectors.
	Names []string
	// Fixed parameters are merged into every written parameter set.
	Fixed map[string]float64
	// Adapter handles parameter serialization and output parsing.
	// Defaults to TextAdapter.
	Adapter Adapter
	// Timeout bounds a single evaluation.
	Timeout time.Duration
	// Concurrency bounds the number of processes in flight.
	Concurrency int
}

// NewLocal creates a local process evaluator and its communication root.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("command must not be empty")
	}
	if len(cfg.Names) == 0 {
		return nil, errors.New("parameter names must not be empty")
	}
	if cfg.Adapter == nil {
		cfg.Adapter = TextAdapter{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create communication dir: %w", err)
	}
	return &Local{
		command: cfg.Command,
		root:    cfg.Dir,
		names:   cfg.Names,
		fixed:   cfg.Fixed,
		adapter: cfg.Adapter,
		timeout: cfg.Timeout,
		workers: cfg.Concurrency,
		cache:   make(map[string]Result),
	}, nil
}

// EvaluateBatch runs all requests with bounded concurrency. Results are
// positionally aligned with the requests; failed evaluations carry a
// Failure instead of output. Cancelling the context abandons unstarted
// evaluations and kills running processes.
func (l *Local) EvaluateBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	p := pool.New().WithMaxGoroutines(l.workers)
	for i, req := range reqs {
		p.Go(func() {
			results[i] = l.evaluate(ctx, req)
		})
	}
	p.Wait()
	return results
}

// Close logs the evaluator's lifetime statistics.
func (l *Local) Close() error {
	s := l.Stats()
	slog.Info("evaluator closed",
		"total", s.Total, "failed", s.Failed, "cached", s.Cached,
		"runtime", s.Runtime.String())
	return nil
}

// Stats returns a snapshot of the evaluation counters.
func (l *Local) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Local) evaluate(ctx context.Context, req Request) Result {
	l.mu.Lock()
	l.stats.Total++
	if cached, ok := l.cache[cacheKey(req.Params)]; ok {
		l.stats.Cached++
		l.mu.Unlock()
		slog.Debug("evaluation cache hit", "id", cached.ID, "tag", req.Tag)
		return cached
	}
	id := l.nextID
	l.nextID++
	l.mu.Unlock()

	res := l.run(ctx, id, req)

	l.mu.Lock()
	if res.Failed() {
		l.stats.Failed++
	} else {
		l.cache[cacheKey(req.Params)] = res
	}
	l.stats.Runtime += res.Runtime
	l.mu.Unlock()

	if res.Failed() {
		slog.Warn("evaluation failed",
			"id", id, "tag", req.Tag, "stage", res.Failure.Stage, "reason", res.Failure.Reason)
	} else {
		slog.Debug("evaluation finished", "id", id, "tag", req.Tag, "runtime", res.Runtime.String())
	}
	return res
}

func (l *Local) run(ctx context.Context, id int, req Request) Result {
	res := Result{ID: id, Params: append([]float64(nil), req.Params...)}
	fail := func(stage Stage, reason string) Result {
		res.Failure = &Failure{Stage: stage, Reason: reason}
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(StageSetup, "cancelled before start")
	}
	if len(req.Params) != len(l.names) {
		return fail(StageSetup, fmt.Sprintf("got %d parameters, want %d", len(req.Params), len(l.names)))
	}

	dir := filepath.Join(l.root, strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(StageSetup, err.Error())
	}
	if err := l.adapter.WriteParameters(dir, id, l.named(req.Params)); err != nil {
		return fail(StageSetup, err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	args := append([]string(nil), l.command[1:]...)
	args = append(args, "-evaluationId", strconv.Itoa(id), "-communicationDir", dir)
	cmd := exec.CommandContext(runCtx, l.command[0], args...)
	cmd.Dir = dir

	stdout, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d_output.txt", id)))
	if err != nil {
		return fail(StageSetup, err.Error())
	}
	defer stdout.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	start := time.Now()
	err = cmd.Run()
	res.Runtime = time.Since(start)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fail(StageTimeout, fmt.Sprintf("exceeded %s", l.timeout))
		}
		return fail(StageRun, err.Error())
	}

	out, err := l.adapter.ParseOutput(dir, id)
	if err != nil {
		return fail(StageParse, err.Error())
	}
	res.Output = out
	return res
}

// named merges the calibrated values with the fixed parameters.
func (l *Local) named(v []float64) map[string]float64 {
	m := make(map[string]float64, len(l.names)+len(l.fixed))
	for name, val := range l.fixed {
		m[name] = val
	}
	for i, name := range l.names {
		m[name] = v[i]
	}
	return m
}

// cacheKey is the exact bit pattern of the vector. Only identical vectors
// hit, which covers the repeats the driver actually issues (line-search
// winner becoming the next center, resumed runs).
func cacheKey(v []float64) string {
	var b strings.Builder
	for _, x := range v {
		b.WriteString(strconv.FormatUint(math.Float64bits(x), 16))
		b.WriteByte(';')
	}
	return b.String()
}
