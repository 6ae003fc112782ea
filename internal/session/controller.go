package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"deckpilot/internal/executor"
	"deckpilot/internal/harmonize"
	"deckpilot/internal/index"
	"deckpilot/internal/intent"
	"deckpilot/internal/plan"
	"deckpilot/internal/selector"
	"deckpilot/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State 会话生命周期状态
// State is the session lifecycle state
type State string

const (
	StateIdle             State = "idle"
	StateInterpreting     State = "interpreting"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// terminal 报告状态是否允许开始一条新命令。
// terminal reports whether the state allows starting a fresh command.
func terminal(s State) bool {
	switch s {
	case StateIdle, StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CommandResult 命令入口的两种互斥产物：直接查询的候选集，或待批准的计划。
// CommandResult holds the command intake's two mutually exclusive products: ranked
// candidates for a direct query, or a plan pending approval.
type CommandResult struct {
	Intent      intent.Intent
	Plan        *plan.Plan
	DirectItems []selector.Candidate
}

// Interpreter 意图解释契约（由 intent.Interpreter 满足）。
// Interpreter is the intent interpretation contract (satisfied by intent.Interpreter).
type Interpreter interface {
	Interpret(ctx context.Context, command string, snap intent.ContextSnapshot) (intent.Intent, error)
}

// Generator 计划生成契约（由 plan.Generator 满足）。
// Generator is the plan generation contract (satisfied by plan.Generator).
type Generator interface {
	GeneratePlan(ctx context.Context, it intent.Intent) (plan.Plan, error)
}

// Options Controller 依赖集合
// Options holds a Controller's collaborators
type Options struct {
	Interpreter Interpreter
	Generator   Generator
	Index       index.Index
	Selector    *selector.Selector
	Harmonizer  harmonize.Harmonizer
	Store       storage.Store

	StepTimeout            time.Duration
	MaxConsecutiveFailures int
	ProgressBuffer         int

	Logger *zap.Logger
}

// Controller 持有唯一活跃会话并中介所有组件。状态迁移由互斥锁串行化：
// 同一会话上的并发 approve 与 cancel 绝不允许竞态。
// Controller owns the single active session and mediates all components. State
// transitions are serialized by a mutex: concurrent approve and cancel calls against
// the same session must not race.
type Controller struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	command   string
	plan      *plan.Plan
	exec      *executor.Executor
	handle    string
	runCancel context.CancelFunc
	resultCh  chan executor.Result
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	return &Controller{
		opts:  opts,
		log:   opts.Logger,
		state: StateIdle,
	}
}

// State 返回当前会话状态
// State returns the current session state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID 返回当前会话 ID
// SessionID returns the current session ID
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Plan 返回等待批准或执行中的计划
// Plan returns the plan awaiting approval or executing
func (c *Controller) Plan() *plan.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan
}

// Submit 接收一条命令：解释意图后，find/analyze 直接查询内容索引返回候选，
// create/edit 生成计划并进入待批准状态。
// Submit takes a command: after interpretation, find/analyze map straight onto the
// content index and return candidates; create/edit produce a plan pending approval.
func (c *Controller) Submit(ctx context.Context, command string, snap intent.ContextSnapshot) (CommandResult, error) {
	c.mu.Lock()
	if !terminal(c.state) {
		state := c.state
		c.mu.Unlock()
		return CommandResult{}, fmt.Errorf("session busy: state is %s", state)
	}
	c.state = StateInterpreting
	c.sessionID = uuid.NewString()
	c.command = command
	c.plan = nil
	c.exec = nil
	c.handle = ""
	c.resultCh = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	if c.opts.Store != nil {
		if err := c.opts.Store.CreateSession(storage.SessionRecord{
			ID:      sessionID,
			Command: command,
			State:   string(StateInterpreting),
		}); err != nil {
			c.log.Warn("persist session failed", zap.Error(err))
		}
	}

	it, err := c.opts.Interpreter.Interpret(ctx, command, snap)
	if err != nil {
		c.setState(StateIdle)
		return CommandResult{}, err
	}

	switch it.Action {
	case intent.ActionFind, intent.ActionAnalyze:
		items, err := c.directQuery(ctx, it)
		if err != nil {
			c.setState(StateFailed)
			return CommandResult{}, err
		}
		c.setState(StateCompleted)
		return CommandResult{Intent: it, DirectItems: items}, nil
	default:
		p, err := c.opts.Generator.GeneratePlan(ctx, it)
		if err != nil {
			c.setState(StateIdle)
			return CommandResult{}, err
		}
		c.mu.Lock()
		c.plan = &p
		c.state = StateAwaitingApproval
		c.mu.Unlock()
		c.persistPlan(sessionID, p)
		c.persistState(sessionID, StateAwaitingApproval)
		return CommandResult{Intent: it, Plan: &p}, nil
	}
}

func (c *Controller) directQuery(ctx context.Context, it intent.Intent) ([]selector.Candidate, error) {
	desc := index.Descriptor{
		Keywords:   it.Search.Keywords,
		Categories: it.Search.Categories,
		SlideTypes: it.Search.SlideTypes,
		Limit:      it.Search.Limit,
	}
	queryCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	defer cancel()
	items, err := c.opts.Index.Query(queryCtx, desc)
	if err != nil {
		return nil, fmt.Errorf("direct query: %w", err)
	}
	return items, nil
}

// Approve 批准当前计划并启动执行，立即返回任务句柄；结果与进度通过
// Subscribe 带外交付，绝不同步阻塞在整次执行上。
// Approve approves the current plan and starts execution, returning a job handle
// immediately; progress and the result are delivered out-of-band via Subscribe, never
// by blocking on the whole run.
func (c *Controller) Approve() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAwaitingApproval {
		return "", fmt.Errorf("no plan awaiting approval: state is %s", c.state)
	}
	if c.plan == nil {
		return "", fmt.Errorf("no plan attached to session")
	}

	exec := executor.New(*c.plan, executor.Options{
		Index:                  c.opts.Index,
		Selector:               c.opts.Selector,
		Harmonizer:             c.opts.Harmonizer,
		StepTimeout:            c.opts.StepTimeout,
		MaxConsecutiveFailures: c.opts.MaxConsecutiveFailures,
		ProgressBuffer:         c.opts.ProgressBuffer,
		Logger:                 c.log,
	})

	// 执行生命周期独立于发起请求的 context，由控制器持有取消权。
	// The run's lifetime is independent of the submitting request context; the
	// controller holds the cancellation.
	runCtx, cancel := context.WithCancel(context.Background())

	handle := uuid.NewString()
	resultCh := make(chan executor.Result, 1)

	c.exec = exec
	c.handle = handle
	c.runCancel = cancel
	c.resultCh = resultCh
	c.state = StateExecuting
	sessionID := c.sessionID

	if err := exec.Start(runCtx); err != nil {
		cancel()
		c.state = StateFailed
		return "", err
	}
	c.persistState(sessionID, StateExecuting)

	go c.awaitResult(sessionID, exec, resultCh, cancel)
	return handle, nil
}

// awaitResult 消费执行器的终局结果：持久化、迁移会话状态、转交订阅方。
// awaitResult consumes the executor's terminal result: persist it, transition the
// session state, and forward it to the subscriber.
func (c *Controller) awaitResult(sessionID string, exec *executor.Executor, resultCh chan executor.Result, cancel context.CancelFunc) {
	res := <-exec.Result()
	cancel()

	var state State
	switch res.Outcome {
	case executor.OutcomeSucceeded:
		state = StateCompleted
	case executor.OutcomeCancelled:
		state = StateCancelled
	default:
		state = StateFailed
	}

	c.persistResult(sessionID, res)
	c.persistState(sessionID, state)

	c.mu.Lock()
	if c.sessionID == sessionID {
		c.state = state
	}
	c.mu.Unlock()

	resultCh <- res
	close(resultCh)
}

// Subscribe 按任务句柄订阅进度流与终局结果。
// Subscribe returns the progress stream and terminal result for a job handle.
func (c *Controller) Subscribe(handle string) (<-chan executor.Progress, <-chan executor.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec == nil || c.handle != handle {
		return nil, nil, fmt.Errorf("unknown job handle %q", handle)
	}
	return c.exec.Progress(), c.resultCh, nil
}

// Cancel 按任务句柄取消执行；幂等，对已取消或已结束的任务是 no-op。
// Cancel cancels the identified run; idempotent, a no-op for already cancelled or
// finished runs.
func (c *Controller) Cancel(handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != handle {
		return fmt.Errorf("unknown job handle %q", handle)
	}
	if c.exec != nil {
		c.exec.Cancel()
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	return nil
}

// Reset 显式重置会话；执行中的任务先被取消。
// Reset explicitly resets the session; an in-flight run is cancelled first.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec != nil && c.state == StateExecuting {
		c.exec.Cancel()
	}
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	c.state = StateIdle
	c.sessionID = ""
	c.command = ""
	c.plan = nil
	c.exec = nil
	c.handle = ""
	c.resultCh = nil
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.state = state
	c.mu.Unlock()
	c.persistState(sessionID, state)
}

func (c *Controller) persistState(sessionID string, state State) {
	if c.opts.Store == nil || sessionID == "" {
		return
	}
	if err := c.opts.Store.UpdateSessionState(sessionID, string(state)); err != nil {
		c.log.Warn("persist session state failed", zap.Error(err))
	}
}

func (c *Controller) persistPlan(sessionID string, p plan.Plan) {
	if c.opts.Store == nil || sessionID == "" {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("marshal plan failed", zap.Error(err))
		return
	}
	if err := c.opts.Store.SavePlan(sessionID, data); err != nil {
		c.log.Warn("persist plan failed", zap.Error(err))
	}
}

func (c *Controller) persistResult(sessionID string, res executor.Result) {
	if c.opts.Store == nil || sessionID == "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		c.log.Warn("marshal result failed", zap.Error(err))
		return
	}
	if err := c.opts.Store.SaveResult(sessionID, data); err != nil {
		c.log.Warn("persist result failed", zap.Error(err))
	}
}
