package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"exam_session_engine/pkg/logger"
	"exam_session_engine/pkg/monitoring"
	"exam_session_engine/pkg/tracing"

	"go.uber.org/zap"
)

const (
	DefaultScoreTimeout   = 60 * time.Second
	DefaultPersistTimeout = 30 * time.Second
)

// ScoreRequest 交给评分器的一次作答
type ScoreRequest struct {
	AttemptID string    `json:"attemptId"`
	PartID    string    `json:"partId"`
	PartCode  string    `json:"partCode"`
	Skill     SkillType `json:"skill"`
	Modality  Modality  `json:"modality"`
	Question  Question  `json:"question"`
	Answer    RawAnswer `json:"answer"`
}

type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error)
}

type ScorerFunc func(ctx context.Context, req ScoreRequest) (*ScoreResult, error)

func (f ScorerFunc) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	return f(ctx, req)
}

// ResultSaver 在题目标记为 scored 之前把评分结果落盘
type ResultSaver func(ctx context.Context, req ScoreRequest, res *ScoreResult) error

type CoordinatorOption func(*Coordinator)

func WithScoreTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.scoreTimeout = d
		}
	}
}

func WithPersistTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.persistTimeout = d
		}
	}
}

func WithResultSaver(s ResultSaver) CoordinatorOption {
	return func(c *Coordinator) { c.save = s }
}

func WithScoredCallback(fn func(questionID string, res *ScoreResult)) CoordinatorOption {
	return func(c *Coordinator) { c.onScored = fn }
}

// WithBaseContext 评分调用脱离请求上下文，只随 base 取消
func WithBaseContext(ctx context.Context) CoordinatorOption {
	return func(c *Coordinator) { c.base = ctx }
}

// Call 一次进行中的评分；同一题的重复提交共享同一个 Call
type Call struct {
	QuestionID string
	done       chan struct{}
	res        *ScoreResult
	err        error
}

func (c *Call) Done() <-chan struct{} { return c.done }

// Wait 等待结果；ctx 取消只影响等待方，评分继续进行
func (c *Call) Wait(ctx context.Context) (*ScoreResult, error) {
	select {
	case <-c.done:
		return c.res.clone(), c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Coordinator struct {
	machine        *StateMachine
	scorer         Scorer
	save           ResultSaver
	onScored       func(questionID string, res *ScoreResult)
	scoreTimeout   time.Duration
	persistTimeout time.Duration
	base           context.Context

	mu      sync.Mutex
	pending map[string]*Call
	wg      sync.WaitGroup
}

func NewCoordinator(machine *StateMachine, scorer Scorer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		machine:        machine,
		scorer:         scorer,
		scoreTimeout:   DefaultScoreTimeout,
		persistTimeout: DefaultPersistTimeout,
		base:           context.Background(),
		pending:        make(map[string]*Call),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start 登记并发起评分；同题已有进行中的调用时直接返回它，不会再次调用评分器
func (c *Coordinator) Start(req ScoreRequest) (*Call, bool) {
	qid := req.Question.ID

	c.mu.Lock()
	if existing, ok := c.pending[qid]; ok {
		c.mu.Unlock()
		monitoring.SubmissionCounter.WithLabelValues(string(req.Modality), "coalesced").Inc()
		return existing, false
	}
	call := &Call{QuestionID: qid, done: make(chan struct{})}
	c.pending[qid] = call
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(call, req)
	return call, true
}

func (c *Coordinator) Submit(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	call, _ := c.Start(req)
	return call.Wait(ctx)
}

func (c *Coordinator) Pending(questionID string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[questionID]
	return call, ok
}

func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait 等待所有进行中的评分结束
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(call *Call, req ScoreRequest) {
	qid := req.Question.ID
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.pending, qid)
		c.mu.Unlock()
		close(call.done)
	}()

	ctx, span := tracing.StartSpan(c.base, "coordinator.submit", req.AttemptID, qid)
	res, err := c.process(ctx, req)
	tracing.EndSpan(span, err)

	call.res, call.err = res, err
}

func (c *Coordinator) process(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	qid := req.Question.ID
	log := logger.Log.With(zap.String("attemptId", req.AttemptID), zap.String("questionId", qid))

	if _, err := c.machine.Update(qid, To(LifecycleScoring)); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.score(ctx, req)
	monitoring.ScorerDuration.WithLabelValues(string(req.Modality)).Observe(time.Since(start).Seconds())
	if err != nil {
		reason := "scorer_error"
		if errors.Is(err, ErrScorerTimeout) {
			reason = "scorer_timeout"
		}
		log.Warn("scoring failed, rolling back", zap.String("reason", reason), zap.Error(err))
		c.rollback(req, reason, err)
		return nil, err
	}

	if err := c.persist(ctx, req, res); err != nil {
		log.Error("failed to persist score result", zap.Error(err))
		err = fmt.Errorf("%w: %v", ErrPersistFailed, err)
		c.rollback(req, "persist_error", err)
		return nil, err
	}

	// 结果已落盘后才标记 submitted
	if _, err := c.machine.Update(qid, To(LifecycleScored).WithResult(res).MarkSubmitted()); err != nil {
		log.Error("failed to mark question scored", zap.Error(err))
		return nil, err
	}
	monitoring.SubmissionCounter.WithLabelValues(string(req.Modality), "scored").Inc()
	if c.onScored != nil {
		c.onScored(qid, res.clone())
	}
	log.Info("question scored", zap.Float64("score", res.Score))
	return res, nil
}

func (c *Coordinator) score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	sctx, cancel := context.WithTimeout(ctx, c.scoreTimeout)
	defer cancel()

	type outcome struct {
		res *ScoreResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, e := c.scorer.Score(sctx, req)
		ch <- outcome{r, e}
	}()

	select {
	case o := <-ch:
		switch {
		case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrScorerTimeout, c.scoreTimeout)
		case o.err != nil:
			return nil, fmt.Errorf("%w: %v", ErrScorerFailed, o.err)
		case o.res == nil:
			return nil, fmt.Errorf("%w: empty result", ErrScorerFailed)
		}
		return o.res, nil
	case <-sctx.Done():
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrScorerTimeout, c.scoreTimeout)
		}
		return nil, sctx.Err()
	}
}

func (c *Coordinator) persist(ctx context.Context, req ScoreRequest, res *ScoreResult) error {
	if c.save == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, c.persistTimeout)
	defer cancel()

	// 存储实现可能不理会 ctx，超时由这里兜底
	ch := make(chan error, 1)
	go func() { ch <- c.save(pctx, req, res) }()
	select {
	case err := <-ch:
		return err
	case <-pctx.Done():
		return fmt.Errorf("save result: %w", pctx.Err())
	}
}

func (c *Coordinator) rollback(req ScoreRequest, reason string, cause error) {
	monitoring.SubmissionCounter.WithLabelValues(string(req.Modality), "rollback").Inc()
	monitoring.RollbackCounter.WithLabelValues(reason).Inc()
	if _, err := c.machine.Update(req.Question.ID, To(LifecycleReady).WithError(cause.Error())); err != nil {
		logger.Log.Error("rollback failed",
			zap.String("questionId", req.Question.ID), zap.Error(err))
	}
}
