package engine

import (
	"fmt"
	"sync"
	"time"

	"exam_session_engine/pkg/logger"

	"go.uber.org/zap"
)

// 合法的生命周期迁移；同状态更新总是允许，scored 为终态
var transitions = map[Lifecycle][]Lifecycle{
	LifecycleNotStarted: {LifecycleInProgress, LifecycleReady, LifecycleSubmitted},
	LifecycleInProgress: {LifecycleReady, LifecycleSubmitted},
	LifecycleReady:      {LifecycleInProgress, LifecycleSubmitted},
	LifecycleSubmitted:  {LifecycleScoring, LifecycleReady},
	LifecycleScoring:    {LifecycleScored, LifecycleReady, LifecycleFailed},
	LifecycleFailed:     {LifecycleReady, LifecycleInProgress},
}

func CanTransition(from, to Lifecycle) bool {
	if from == to {
		return true
	}
	for _, l := range transitions[from] {
		if l == to {
			return true
		}
	}
	return false
}

// Update 部分更新，nil 字段保持原值
type Update struct {
	Lifecycle    *Lifecycle
	RawAnswer    *RawAnswer
	ClearAnswer  bool
	ScoreResult  *ScoreResult
	ErrorMessage *string
	Submitted    *bool
}

func To(l Lifecycle) Update { return Update{Lifecycle: lifecyclePtr(l)} }

func (u Update) WithAnswer(a RawAnswer) Update {
	u.RawAnswer = &a
	return u
}

func (u Update) WithError(msg string) Update {
	u.ErrorMessage = strPtr(msg)
	return u
}

func (u Update) WithResult(r *ScoreResult) Update {
	u.ScoreResult = r
	return u
}

func (u Update) MarkSubmitted() Update {
	u.Submitted = boolPtr(true)
	return u
}

// StateSnapshot 全量快照，Version 单调递增
type StateSnapshot struct {
	Version uint64
	States  []QuestionState
}

func (s StateSnapshot) Get(questionID string) (QuestionState, bool) {
	for _, st := range s.States {
		if st.QuestionID == questionID {
			return st, true
		}
	}
	return QuestionState{}, false
}

// TransitionHook 在每次成功更新后同步调用，按更新顺序串行执行。
// hook 执行时不持有 mu，可以读取状态，但不能再调用 Update。
type TransitionHook func(prev, next QuestionState)

type StateMachine struct {
	mu     sync.Mutex
	states map[string]*QuestionState
	order   []string
	version uint64
	hooks   []TransitionHook
	subs    map[uint64]chan StateSnapshot
	nextSub uint64
	now     func() time.Time

	// 更新在 mu 下领取序号，hook 按序号轮流执行
	seq      uint64
	hookMu   sync.Mutex
	hookCond *sync.Cond
	hookTurn uint64
}

func NewStateMachine() *StateMachine {
	m := &StateMachine{
		states: make(map[string]*QuestionState),
		subs:   make(map[uint64]chan StateSnapshot),
		now:    time.Now,
	}
	m.hookCond = sync.NewCond(&m.hookMu)
	return m
}

func (m *StateMachine) OnTransition(h TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Initialize 幂等：已存在的题目保持不变
func (m *StateMachine) Initialize(questionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[questionID]; ok {
		return
	}
	m.states[questionID] = &QuestionState{
		QuestionID: questionID,
		Lifecycle:  LifecycleNotStarted,
		UpdatedAt:  m.now(),
	}
	m.order = append(m.order, questionID)
	m.version++
	m.broadcastLocked()
}

// Restore 从持久化记录重建状态，不经过迁移校验也不触发 hook
func (m *StateMachine) Restore(states []QuestionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		c := st.clone()
		if _, ok := m.states[st.QuestionID]; !ok {
			m.order = append(m.order, st.QuestionID)
		}
		m.states[st.QuestionID] = &c
	}
	m.version++
	m.broadcastLocked()
}

// Clear 丢弃全部题目状态
func (m *StateMachine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*QuestionState)
	m.order = nil
	m.version++
	m.broadcastLocked()
}

func (m *StateMachine) Get(questionID string) (QuestionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[questionID]
	if !ok {
		return QuestionState{}, false
	}
	return st.clone(), true
}

func (m *StateMachine) Snapshot() StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *StateMachine) snapshotLocked() StateSnapshot {
	out := StateSnapshot{Version: m.version, States: make([]QuestionState, 0, len(m.order))}
	for _, id := range m.order {
		out.States = append(out.States, m.states[id].clone())
	}
	return out
}

func (m *StateMachine) Update(questionID string, u Update) (QuestionState, error) {
	m.mu.Lock()
	st, ok := m.states[questionID]
	if !ok {
		m.mu.Unlock()
		logger.Log.Warn("update for uninitialized question", zap.String("questionId", questionID))
		return QuestionState{}, ErrQuestionNotInitialized
	}

	prev := st.clone()
	target := prev.Lifecycle
	if u.Lifecycle != nil {
		target = *u.Lifecycle
	}

	if prev.Lifecycle == LifecycleScored {
		m.mu.Unlock()
		return prev, fmt.Errorf("%w: question %s already scored", ErrIllegalTransition, questionID)
	}
	// 答案只在更新前的状态未冻结时可写，因此进入 submitted 的那次更新仍可带答案
	if (u.RawAnswer != nil || u.ClearAnswer) && prev.Lifecycle.answerFrozen() {
		m.mu.Unlock()
		return prev, ErrAnswerFrozen
	}
	if !CanTransition(prev.Lifecycle, target) {
		m.mu.Unlock()
		return prev, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev.Lifecycle, target)
	}

	next := prev.clone()
	next.Lifecycle = target
	switch {
	case u.ClearAnswer:
		next.RawAnswer = nil
	case u.RawAnswer != nil:
		next.RawAnswer = u.RawAnswer.clone()
	}
	if target == LifecycleScored {
		if u.ScoreResult != nil {
			next.ScoreResult = u.ScoreResult.clone()
		}
	} else {
		next.ScoreResult = nil
	}
	if u.Submitted != nil {
		next.Submitted = *u.Submitted
	}
	switch {
	case u.ErrorMessage != nil:
		next.ErrorMessage = *u.ErrorMessage
	case target.AtLeastSubmitted():
		next.ErrorMessage = ""
	}
	next.UpdatedAt = m.now()

	*st = next.clone()
	m.version++
	m.broadcastLocked()
	hooks := m.hooks
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	m.runHooks(seq, hooks, prev, next)
	return next, nil
}

// runHooks 等到轮到 seq 时执行 hook，执行期间不持有任何锁
func (m *StateMachine) runHooks(seq uint64, hooks []TransitionHook, prev, next QuestionState) {
	m.hookMu.Lock()
	for m.hookTurn != seq {
		m.hookCond.Wait()
	}
	m.hookMu.Unlock()

	defer func() {
		m.hookMu.Lock()
		m.hookTurn++
		m.hookCond.Broadcast()
		m.hookMu.Unlock()
	}()
	for _, h := range hooks {
		h(prev, next.clone())
	}
}

// Subscribe 立即收到当前快照；消费者跟不上时只保留最新快照
func (m *StateMachine) Subscribe(buffer int) (<-chan StateSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StateSnapshot, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// 调用方需持有 m.mu
func (m *StateMachine) broadcastLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		offerLatest(ch, snap)
	}
}

func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
