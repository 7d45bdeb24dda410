// Package behavior compiles network-supplied Lua source and attaches the result
// to scene nodes.
//
// Compilation runs on a fixed pool of worker goroutines. Attachment touches the
// scene graph, so it only happens inside Drain, which the scene goroutine calls
// once per tick.
package behavior

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/scene"
)

var (
	ErrClosed     = errors.New("behavior: compiler closed")
	ErrTargetGone = errors.New("behavior: target destroyed before attach")
	ErrNoTarget   = errors.New("behavior: nil target")
)

const DefaultWorkers = 2

type Stage int

const (
	StageIdle Stage = iota
	StageCompiling
	StageAttaching
	StageAttached
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageCompiling:
		return "compiling"
	case StageAttaching:
		return "attaching"
	case StageAttached:
		return "attached"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what a job reports once it reaches a terminal stage.
// Stage is StageAttached for success, including the case where the unit
// exported nothing attachable (Behavior is then nil).
type Result struct {
	Stage       Stage
	Name        string
	Behavior    *Behavior
	Diagnostics []Diagnostic
	Err         error
}

func (r Result) OK() bool { return r.Stage == StageAttached }

type Config struct {
	Workers int
}

type job struct {
	id     uint64
	source string
	target *scene.Node
	done   func(Result)

	stage Stage
	unit  *Unit
	diags []Diagnostic
}

type Compiler struct {
	log     zerolog.Logger
	compile func(source string, log zerolog.Logger) (*Unit, []Diagnostic)

	wg sync.WaitGroup

	// queue is unbounded so callers never wait on busy workers.
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	closed bool
	nextID uint64

	readyMu sync.Mutex
	ready   []*job
	pending int
}

func New(cfg Config, log zerolog.Logger) *Compiler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	c := &Compiler{log: log, compile: compile}
	c.cond = sync.NewCond(&c.mu)
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// CompileAndAttach queues source for compilation. done runs on the scene
// goroutine from a later Drain call. It never blocks on running compiles.
func (c *Compiler) CompileAndAttach(source string, target *scene.Node, done func(Result)) error {
	if target == nil {
		return ErrNoTarget
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	j := &job{id: c.nextID, source: source, target: target, done: done, stage: StageCompiling}
	c.readyMu.Lock()
	c.pending++
	c.readyMu.Unlock()
	c.queue = append(c.queue, j)
	c.cond.Signal()
	c.mu.Unlock()
	c.log.Debug().Uint64("job", j.id).Int("bytes", len(source)).Msg("compile queued")
	return nil
}

// next blocks until a job is queued. It returns nil once the compiler is
// closed and the queue is empty.
func (c *Compiler) next() *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.queue) == 0 {
		return nil
	}
	j := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return j
}

func (c *Compiler) worker() {
	defer c.wg.Done()
	for j := c.next(); j != nil; j = c.next() {
		c.run(j)
		if j.unit != nil {
			j.stage = StageAttaching
		} else {
			j.stage = StageFailed
		}
		c.readyMu.Lock()
		c.ready = append(c.ready, j)
		c.readyMu.Unlock()
	}
}

func (c *Compiler) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			j.unit = nil
			j.diags = []Diagnostic{{Message: fmt.Sprint(r), Severity: SeverityError}}
		}
	}()
	j.unit, j.diags = c.compile(j.source, c.log)
}

// Pending counts jobs queued or compiled but not yet drained.
func (c *Compiler) Pending() int {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.pending
}

// Drain attaches every finished compile and runs its completion callback. It
// must be called from the goroutine that owns the scene graph.
func (c *Compiler) Drain() int {
	c.readyMu.Lock()
	batch := c.ready
	c.ready = nil
	c.pending -= len(batch)
	c.readyMu.Unlock()

	for _, j := range batch {
		res := c.finish(j)
		if j.done != nil {
			j.done(res)
		}
	}
	return len(batch)
}

func (c *Compiler) finish(j *job) Result {
	log := c.log.With().Uint64("job", j.id).Logger()
	if j.stage == StageFailed {
		for _, d := range j.diags {
			if d.Severity == SeverityError {
				log.Error().Int("line", d.Line).Msg(d.Message)
			}
		}
		return Result{Stage: StageFailed, Diagnostics: j.diags, Err: diagnosticsError(j.diags)}
	}

	a, ok := j.unit.FirstAttachable()
	if !ok {
		log.Warn().Int("candidates", len(j.unit.Candidates())).Msg("no attachable behavior in compiled unit")
		diags := append(j.diags, Diagnostic{Message: "no attachable behavior", Severity: SeverityWarning})
		return Result{Stage: StageAttached, Diagnostics: diags}
	}
	if j.target.Destroyed() {
		log.Warn().Str("behavior", a.Name()).Msg("target destroyed while compiling")
		return Result{Stage: StageFailed, Name: a.Name(), Diagnostics: j.diags, Err: ErrTargetGone}
	}

	b, err := c.instantiate(a, j.target)
	if err != nil {
		log.Error().Err(err).Str("behavior", a.Name()).Msg("attach failed")
		return Result{Stage: StageFailed, Name: a.Name(), Diagnostics: j.diags, Err: err}
	}
	j.target.AddComponent(b)
	log.Info().Str("behavior", a.Name()).Str("node", j.target.Name).Msg("behavior attached")
	return Result{Stage: StageAttached, Name: a.Name(), Behavior: b, Diagnostics: j.diags}
}

func (c *Compiler) instantiate(a Attachable, target *scene.Node) (b *Behavior, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("behavior: attach panicked")
			c.log.Error().Interface("panic", r).Msg("attach panicked")
		}
	}()
	return a.Instantiate(target, c.log)
}

// Close stops accepting work and waits for the workers to finish the queue.
// Finished jobs stay available to Drain.
func (c *Compiler) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}
