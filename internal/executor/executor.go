package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"deckpilot/internal/harmonize"
	"deckpilot/internal/index"
	"deckpilot/internal/plan"
	"deckpilot/internal/selector"

	"go.uber.org/zap"
)

// State 执行器状态机；终态不可再迁移。
// State is the executor's state machine position; terminal states are final.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ProgressStatus 进度事件状态
// ProgressStatus is a progress event's status
type ProgressStatus string

const (
	ProgressProcessing ProgressStatus = "processing"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

// Progress 某一时刻的执行快照；只推流，不持久化。
// Progress is a point-in-time execution snapshot; streamed, never persisted.
type Progress struct {
	StepIndex  int
	TotalSteps int
	Status     ProgressStatus
	Message    string
}

// Outcome 终局结果
// Outcome is the run's terminal outcome
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// HarmonizePhase 标记非步骤阶段（最终风格统一）的失败归属。
// HarmonizePhase marks failures from the final harmonization phase, which is not a
// plan step.
const HarmonizePhase = -1

// StepFailure 单步失败记录
// StepFailure records one failed step
type StepFailure struct {
	StepIndex int    `json:"step_index"`
	Reason    string `json:"reason"`
}

// StepClarification 执行中置信度不足时留给人工的候选集。
// StepClarification carries the candidates left for the human when confidence was too
// low to auto-select during a step.
type StepClarification struct {
	StepIndex int                  `json:"step_index"`
	Options   []selector.Candidate `json:"options"`
}

// Result 一次执行的最终结果；产生一次，之后不可变。
// Result is the run's final result; created exactly once, immutable thereafter.
type Result struct {
	Outcome        Outcome             `json:"outcome"`
	AssembledItems []string            `json:"assembled_items"`
	Failures       []StepFailure       `json:"failures,omitempty"`
	Clarifications []StepClarification `json:"clarifications,omitempty"`
	Summary        string              `json:"summary"`
}

// Options Executor 依赖与调参
// Options holds an Executor's collaborators and tuning
type Options struct {
	Index                  index.Index
	Selector               *selector.Selector
	Harmonizer             harmonize.Harmonizer
	StepTimeout            time.Duration
	MaxConsecutiveFailures int
	ProgressBuffer         int
	Logger                 *zap.Logger
}

// Executor 已批准计划的单次执行：严格按序的单 worker，流式进度，协作式取消。
// 执行器是步骤状态的唯一写者。
// Executor runs one approved plan: a single strictly ordered worker streaming progress
// with cooperative cancellation. The executor is the only writer of step status.
type Executor struct {
	plan plan.Plan
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	state State

	progress   chan Progress
	result     chan Result
	cancelCh   chan struct{}
	cancelOnce sync.Once
	startOnce  sync.Once
	started    bool
}

func New(p plan.Plan, opts Options) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	if opts.Harmonizer == nil {
		opts.Harmonizer = harmonize.Noop{}
	}
	// 步数上限封顶为 10，事件总数有界，缓冲必须足以免阻塞地容纳整个事件流。
	// With the 10-step cap the event stream is bounded; the buffer must hold it
	// without blocking the worker.
	buffer := opts.ProgressBuffer
	if buffer < 2*plan.MaxSteps+2 {
		buffer = 2*plan.MaxSteps + 2
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// 计划在执行期间归执行器所有，深拷贝步骤避免外部观察到中间状态。
	// The plan is owned by the executor for the run; steps are copied so callers
	// never observe in-flight mutation.
	owned := p
	owned.Steps = append([]plan.Step(nil), p.Steps...)

	return &Executor{
		plan:     owned,
		opts:     opts,
		log:      log,
		state:    StateCreated,
		progress: make(chan Progress, buffer),
		result:   make(chan Result, 1),
		cancelCh: make(chan struct{}),
	}
}

// State 返回当前状态
// State returns the current state
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress 进度事件流；按步序非降序交付，终局后关闭。
// Progress is the progress event stream, delivered in non-decreasing step order and
// closed after the terminal result is produced.
func (e *Executor) Progress() <-chan Progress {
	return e.progress
}

// Result 恰好交付一个终局结果。
// Result delivers exactly one terminal result.
func (e *Executor) Result() <-chan Result {
	return e.result
}

// Cancel 协作式取消；幂等，取消两次不是错误。
// Cancel requests cooperative cancellation; idempotent, cancelling twice is a no-op.
func (e *Executor) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

// Start 启动执行 worker；每个执行器只允许启动一次。
// Start launches the execution worker; an executor may be started only once.
func (e *Executor) Start(ctx context.Context) error {
	var startErr error
	started := false
	e.startOnce.Do(func() {
		started = true
		e.mu.Lock()
		e.state = StateRunning
		e.started = true
		e.mu.Unlock()
		go e.run(ctx)
	})
	if !started {
		startErr = fmt.Errorf("executor already started")
	}
	return startErr
}

func (e *Executor) cancelled(ctx context.Context) bool {
	select {
	case <-e.cancelCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (e *Executor) run(ctx context.Context) {
	var (
		assembled      []string
		failures       []StepFailure
		clarifications []StepClarification
		consecutive    int
	)
	total := len(e.plan.Steps)

	for i := range e.plan.Steps {
		// 取消检查必须先于本步的外部 I/O，取消延迟以单步外部调用为界。
		// The cancellation check preempts this step's external I/O, bounding
		// cancellation latency by one step's external-call duration.
		if e.cancelled(ctx) {
			e.skipFrom(i)
			e.emit(Progress{StepIndex: i, TotalSteps: total, Status: ProgressFailed, Message: "execution cancelled"})
			e.finish(StateCancelled, Result{
				Outcome:        OutcomeCancelled,
				AssembledItems: assembled,
				Failures:       failures,
				Clarifications: clarifications,
			})
			return
		}

		step := &e.plan.Steps[i]
		step.Status = plan.StatusRunning
		e.emit(Progress{StepIndex: i, TotalSteps: total, Status: ProgressProcessing, Message: step.Title})

		items, clarify, err := e.dispatch(ctx, step.Action)
		switch {
		case err != nil:
			step.Status = plan.StatusFailed
			failures = append(failures, StepFailure{StepIndex: i, Reason: err.Error()})
			consecutive++
			e.log.Warn("step failed",
				zap.Int("step", i),
				zap.String("action", step.Action.Name),
				zap.Error(err))
			e.emit(Progress{StepIndex: i, TotalSteps: total, Status: ProgressFailed, Message: err.Error()})
		case clarify != nil:
			// 低置信度：步骤记为失败，候选集留给人工在结果中裁决。
			// Low confidence: the step is recorded failed and the options are kept
			// in the result for the human to decide afterwards.
			step.Status = plan.StatusFailed
			reason := clarifyReason(clarify.Options)
			failures = append(failures, StepFailure{StepIndex: i, Reason: reason})
			clarifications = append(clarifications, StepClarification{StepIndex: i, Options: clarify.Options})
			consecutive++
			e.emit(Progress{StepIndex: i, TotalSteps: total, Status: ProgressFailed, Message: reason})
		default:
			step.Status = plan.StatusSucceeded
			assembled = append(assembled, items...)
			consecutive = 0
			e.emit(Progress{StepIndex: i, TotalSteps: total, Status: ProgressCompleted, Message: stepDoneMessage(step.Title, items)})
		}

		// 连续失败超限：系统性坏掉的计划没有继续的价值。
		// Too many consecutive failures: a systematically broken plan is aborted.
		if consecutive >= e.opts.MaxConsecutiveFailures {
			e.skipFrom(i + 1)
			e.finish(StateFailed, Result{
				Outcome:        OutcomeFailed,
				AssembledItems: assembled,
				Failures:       failures,
				Clarifications: clarifications,
			})
			return
		}
	}

	// 风格统一是质量增强：失败保留原条目并记录，从不阻塞产出。
	// Harmonization is a quality enhancement: on failure the original items are kept
	// and the failure recorded; it never blocks output.
	if len(assembled) > 0 && !e.cancelled(ctx) {
		harmonizeCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
		harmonized, err := e.opts.Harmonizer.Harmonize(harmonizeCtx, assembled)
		cancel()
		if err != nil {
			e.log.Warn("harmonization failed, keeping original items", zap.Error(err))
			failures = append(failures, StepFailure{StepIndex: HarmonizePhase, Reason: err.Error()})
		} else {
			assembled = harmonized
		}
	}

	e.finish(StateSucceeded, Result{
		Outcome:        OutcomeSucceeded,
		AssembledItems: assembled,
		Failures:       failures,
		Clarifications: clarifications,
	})
}

func (e *Executor) skipFrom(idx int) {
	for j := idx; j < len(e.plan.Steps); j++ {
		if e.plan.Steps[j].Status == plan.StatusPending || e.plan.Steps[j].Status == plan.StatusRunning {
			e.plan.Steps[j].Status = plan.StatusSkipped
		}
	}
}

func (e *Executor) emit(p Progress) {
	select {
	case e.progress <- p:
	default:
		// 缓冲按事件流上界设置，到这里说明缓冲被错误配置；丢弃优于卡死 worker。
		// The buffer is sized for the bounded event stream; reaching this branch means
		// it was misconfigured. Dropping beats wedging the worker.
		e.log.Warn("progress buffer full, dropping event", zap.Int("step", p.StepIndex))
	}
}

func (e *Executor) finish(state State, res Result) {
	if res.AssembledItems == nil {
		res.AssembledItems = []string{}
	}
	res.Summary = summarize(e.plan, res)

	e.mu.Lock()
	e.state = state
	e.mu.Unlock()

	e.result <- res
	close(e.progress)
}

func clarifyReason(options []selector.Candidate) string {
	if len(options) == 0 {
		return "no matching slides found"
	}
	ids := make([]string, 0, len(options))
	for _, c := range options {
		ids = append(ids, c.ItemID)
	}
	return fmt.Sprintf("confidence too low to auto-select; top candidates: %s", strings.Join(ids, ", "))
}

func stepDoneMessage(title string, items []string) string {
	if len(items) == 0 {
		return title
	}
	return fmt.Sprintf("%s (%s)", title, strings.Join(items, ", "))
}

// summarize 为每个终局生成一段人类可读摘要；失败/部分情况下点名未完成的步骤。
// summarize produces the human-readable wrap-up for every terminal outcome, naming the
// steps that did not complete for failed/partial runs.
func summarize(p plan.Plan, res Result) string {
	var b strings.Builder
	switch res.Outcome {
	case OutcomeSucceeded:
		fmt.Fprintf(&b, "Assembled %d item(s) across %d step(s).", len(res.AssembledItems), len(p.Steps))
	case OutcomeFailed:
		fmt.Fprintf(&b, "Execution aborted after repeated step failures; %d item(s) assembled so far are preserved.", len(res.AssembledItems))
	case OutcomeCancelled:
		fmt.Fprintf(&b, "Execution cancelled; %d item(s) assembled before cancellation are preserved.", len(res.AssembledItems))
	}
	if len(res.Failures) > 0 {
		b.WriteString(" Incomplete:")
		for _, f := range res.Failures {
			if f.StepIndex == HarmonizePhase {
				fmt.Fprintf(&b, " style harmonization (%s);", f.Reason)
				continue
			}
			title := ""
			if f.StepIndex >= 0 && f.StepIndex < len(p.Steps) {
				title = p.Steps[f.StepIndex].Title
			}
			fmt.Fprintf(&b, " step %d %q (%s);", f.StepIndex+1, title, f.Reason)
		}
	}
	return strings.TrimSuffix(b.String(), ";")
}
