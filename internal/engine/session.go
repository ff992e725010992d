package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"exam_session_engine/internal/countdown"
	"exam_session_engine/internal/sessionstore"
	"exam_session_engine/pkg/logger"
	"exam_session_engine/pkg/monitoring"

	"go.uber.org/zap"
)

const (
	DefaultTimeoutGrace     = 1500 * time.Millisecond
	DefaultAutosaveInterval = 10 * time.Second
	DefaultWarningSeconds   = 30
)

// AttemptLifecycle 考试记录的外部生命周期操作
type AttemptLifecycle interface {
	EndAttempt(ctx context.Context, attemptID string, totalScore float64, endTime time.Time) error
	Finalize(ctx context.Context, attemptID string) (*FinalizeResult, error)
	SaveProgress(ctx context.Context, attemptID string, currentQuestionIndex int) error
}

// AnswerRecorder 评分结果写入答题记录
type AnswerRecorder interface {
	RecordAnswer(ctx context.Context, req ScoreRequest, res *ScoreResult) error
}

type TimerView struct {
	Token     string `json:"token,omitempty"`
	Remaining int    `json:"remaining"`
	Paused    bool   `json:"paused"`
	Running   bool   `json:"running"`
	Warning   bool   `json:"warning"`
	PartTotal int    `json:"partTotal,omitempty"`
}

// SessionSnapshot 推送给客户端的完整会话视图，不含音频原始数据
type SessionSnapshot struct {
	Version           uint64          `json:"version"`
	Attempt           AttemptInfo     `json:"attempt"`
	Position          Position        `json:"position"`
	CurrentPartID     string          `json:"currentPartId,omitempty"`
	CurrentQuestionID string          `json:"currentQuestionId,omitempty"`
	GroupQuestionIDs  []string        `json:"groupQuestionIds,omitempty"`
	States            []QuestionState `json:"states"`
	TotalScore        float64         `json:"totalScore"`
	InFlight          int             `json:"inFlight"`
	Timer             TimerView       `json:"timer"`
	Result            *FinalizeResult `json:"result,omitempty"`
	Closed            bool            `json:"closed"`
}

type sessionConfig struct {
	scoreTimeout      time.Duration
	persistTimeout    time.Duration
	timeoutGrace      time.Duration
	autosaveInterval  time.Duration
	tickInterval      time.Duration
	warningSeconds    int
	minRecordingBytes int64
	tickerFactory     countdown.TickerFactory
	afterFunc         func(time.Duration, func())
	lifecycle         AttemptLifecycle
	recorder          AnswerRecorder
	now               func() time.Time
}

type SessionOption func(*sessionConfig)

func WithLifecycle(l AttemptLifecycle) SessionOption {
	return func(c *sessionConfig) { c.lifecycle = l }
}

func WithRecorder(r AnswerRecorder) SessionOption {
	return func(c *sessionConfig) { c.recorder = r }
}

func WithTimeouts(score, persist time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if score > 0 {
			c.scoreTimeout = score
		}
		if persist > 0 {
			c.persistTimeout = persist
		}
	}
}

func WithTimeoutGrace(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.timeoutGrace = d }
}

func WithAutosaveInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d > 0 {
			c.autosaveInterval = d
		}
	}
}

func WithTick(interval time.Duration, factory countdown.TickerFactory) SessionOption {
	return func(c *sessionConfig) {
		c.tickInterval = interval
		c.tickerFactory = factory
	}
}

func WithWarningSeconds(n int) SessionOption {
	return func(c *sessionConfig) { c.warningSeconds = n }
}

func WithMinRecordingBytes(n int64) SessionOption {
	return func(c *sessionConfig) { c.minRecordingBytes = n }
}

// WithAfterFunc 替换超时后延迟前进使用的调度函数
func WithAfterFunc(fn func(time.Duration, func())) SessionOption {
	return func(c *sessionConfig) { c.afterFunc = fn }
}

// Session 一次考试作答的全部运行时状态
type Session struct {
	info      AttemptInfo
	cfg       sessionConfig
	scorer    Scorer
	machine   *StateMachine
	coord     *Coordinator
	nav       *Navigator
	timer     *countdown.Timer
	records   recordStore
	choice    *ChoiceWidget
	text      *TextWidget
	recording *RecordingWidget
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu 串行化组合操作（作答、导航、超时处理）
	mu sync.Mutex

	stateMu  sync.Mutex
	total    float64
	warned   string
	finished bool
	closed   bool
	result   *FinalizeResult

	writeMu sync.Mutex
	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	subsMu  sync.Mutex
	subs    map[uint64]chan SessionSnapshot
	nextSub uint64
	version uint64

	autosaveReset chan time.Duration
	opened        bool
}

func NewSession(info AttemptInfo, parts []Part, store sessionstore.Store, scorer Scorer, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		scoreTimeout:     DefaultScoreTimeout,
		persistTimeout:   DefaultPersistTimeout,
		timeoutGrace:     DefaultTimeoutGrace,
		autosaveInterval: DefaultAutosaveInterval,
		warningSeconds:   DefaultWarningSeconds,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		info:          info,
		cfg:           cfg,
		scorer:        scorer,
		machine:       NewStateMachine(),
		records:       recordStore{store: store, attemptID: info.AttemptID},
		log:           logger.Log.With(zap.String("attemptId", info.AttemptID)),
		ctx:           ctx,
		cancel:        cancel,
		dirty:         make(map[string]struct{}),
		subs:          make(map[uint64]chan SessionSnapshot),
		autosaveReset: make(chan time.Duration, 1),
	}
	s.nav = NewNavigator(parts, s.machine)
	s.coord = NewCoordinator(s.machine, ScorerFunc(s.scoreAnswer),
		WithScoreTimeout(cfg.scoreTimeout),
		WithPersistTimeout(cfg.persistTimeout),
		WithResultSaver(s.saveResult),
		WithScoredCallback(s.addScore),
		WithBaseContext(ctx),
	)
	s.choice = NewChoiceWidget(s.machine)
	s.text = NewTextWidget(s.machine)
	s.recording = NewRecordingWidget(s.machine, cfg.minRecordingBytes)

	timerOpts := []countdown.Option{
		countdown.OnTick(func(string, int) { s.emit() }),
		countdown.OnTimeout(s.handleTimeout),
		countdown.OnWarning(cfg.warningSeconds, s.handleWarning),
	}
	if cfg.tickInterval > 0 {
		timerOpts = append(timerOpts, countdown.WithInterval(cfg.tickInterval))
	}
	if cfg.tickerFactory != nil {
		timerOpts = append(timerOpts, countdown.WithTickerFactory(cfg.tickerFactory))
	}
	s.timer = countdown.New(timerOpts...)

	for _, p := range s.nav.Parts() {
		for _, q := range p.Questions {
			s.machine.Initialize(q.ID)
		}
	}
	s.machine.OnTransition(s.onTransition)
	return s
}

func (s *Session) Info() AttemptInfo { return s.info }

func (s *Session) Parts() []Part { return s.nav.Parts() }

func (s *Session) TotalScore() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.total
}

func (s *Session) Result() *FinalizeResult {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.result
}

// Open 从存储恢复状态并启动计时与自动保存
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	attempt, recs, err := s.records.loadAll(ctx)
	var corrupt *CorruptRecordsError
	switch {
	case errors.As(err, &corrupt):
		s.log.Warn("ignoring unreadable session records", zap.Strings("keys", corrupt.Keys))
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	}

	var (
		states []QuestionState
		total  float64
	)
	for _, r := range recs {
		if _, _, ok := s.nav.Locate(r.QuestionID); !ok {
			continue
		}
		st := r.RebuildState()
		if st.Lifecycle == LifecycleScored {
			total += st.ScoreResult.Score
		}
		states = append(states, st)
	}
	s.machine.Restore(states)

	s.stateMu.Lock()
	s.total = total
	s.stateMu.Unlock()

	resubmitted := s.resubmitChoicesLocked(states)

	if attempt != nil {
		if err := s.nav.Restore(attempt.Position); err != nil {
			s.log.Warn("saved position is invalid, starting from the beginning", zap.Error(err))
		}
		if s.info.StartTime.IsZero() {
			s.info.StartTime = attempt.Attempt.StartTime
		}
	}

	pos := s.nav.Position()
	if !pos.Finished && !pos.AwaitingNextPart {
		s.startTimerLocked()
		if attempt != nil && attempt.TimerToken != "" && attempt.TimerToken == s.timer.Token() {
			s.timer.Restore(attempt.TimerRemaining)
		}
		if attempt != nil && attempt.TimerPaused {
			s.timer.Pause()
		}
	}

	s.opened = true
	s.wg.Add(1)
	go s.autosaveLoop(s.cfg.autosaveInterval)

	if err := s.saveAttempt(ctx); err != nil {
		s.log.Warn("failed to save attempt progress", zap.Error(err))
	}
	s.log.Info("session opened",
		zap.Int("restoredQuestions", len(states)),
		zap.Int("resubmitted", resubmitted),
		zap.Float64("totalScore", total),
		zap.Int("partIndex", pos.PartIndex),
		zap.Int("questionIndex", pos.QuestionIndex))
	s.emit()
	return nil
}

// resubmitChoicesLocked 选择题的选项已保存但没有评分结果时重新评分
func (s *Session) resubmitChoicesLocked(states []QuestionState) int {
	n := 0
	for _, st := range states {
		if st.Lifecycle != LifecycleReady || st.RawAnswer == nil || st.RawAnswer.OptionID == nil {
			continue
		}
		part, q, ok := s.nav.Locate(st.QuestionID)
		if !ok || part.Modality() != ModalityChoice {
			continue
		}
		if _, err := s.machine.Update(q.ID, To(LifecycleSubmitted)); err != nil {
			s.log.Warn("failed to resubmit restored answer", zap.String("questionId", q.ID), zap.Error(err))
			continue
		}
		if _, err := s.startSubmitLocked(part, q); err != nil {
			s.log.Warn("failed to resubmit restored answer", zap.String("questionId", q.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (s *Session) guardLocked() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.finished {
		return ErrFinished
	}
	return nil
}

// activeQuestion 作答只允许发生在当前 part 内
func (s *Session) activeQuestion(questionID string) (Part, Question, error) {
	if err := s.guardLocked(); err != nil {
		return Part{}, Question{}, err
	}
	part, q, ok := s.nav.Locate(questionID)
	if !ok {
		return Part{}, Question{}, ErrUnknownQuestion
	}
	pos := s.nav.Position()
	cur, _, ok := s.nav.Current()
	if !ok || pos.AwaitingNextPart || cur.ID != part.ID {
		return Part{}, Question{}, ErrNotActive
	}
	return part, q, nil
}

func (s *Session) request(part Part, q Question, ans RawAnswer) ScoreRequest {
	return ScoreRequest{
		AttemptID: s.info.AttemptID,
		PartID:    part.ID,
		PartCode:  part.Code,
		Skill:     part.Skill,
		Modality:  part.Modality(),
		Question:  q,
		Answer:    ans,
	}
}

// startSubmitLocked 题目已处于 submitted 时发起评分
func (s *Session) startSubmitLocked(part Part, q Question) (*Call, error) {
	st, ok := s.machine.Get(q.ID)
	if !ok {
		return nil, ErrQuestionNotInitialized
	}
	var ans RawAnswer
	if st.RawAnswer != nil {
		ans = *st.RawAnswer
	}
	call, _ := s.coord.Start(s.request(part, q, ans))
	return call, nil
}

func (s *Session) SelectOption(ctx context.Context, questionID string, optionID int) (*ScoreResult, error) {
	s.mu.Lock()
	part, q, err := s.activeQuestion(questionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if part.Modality() != ModalityChoice {
		s.mu.Unlock()
		return nil, ErrWrongModality
	}
	// 重复点击同一选项时等待已有的评分
	if call, ok := s.coord.Pending(questionID); ok {
		if st, _ := s.machine.Get(questionID); st.RawAnswer != nil && st.RawAnswer.OptionID != nil && *st.RawAnswer.OptionID == optionID {
			s.mu.Unlock()
			return call.Wait(ctx)
		}
	}
	if _, err := s.choice.Select(q, optionID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	call, err := s.startSubmitLocked(part, q)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

func (s *Session) UpdateText(questionID, text string) (QuestionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, q, err := s.activeQuestion(questionID)
	if err != nil {
		return QuestionState{}, err
	}
	if part.Modality() != ModalityText {
		return QuestionState{}, ErrWrongModality
	}
	return s.text.Input(q, text)
}

func (s *Session) StartRecording(questionID string) (QuestionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, q, err := s.activeQuestion(questionID)
	if err != nil {
		return QuestionState{}, err
	}
	if part.Modality() != ModalitySpeech {
		return QuestionState{}, ErrWrongModality
	}
	return s.recording.Start(q)
}

func (s *Session) StopRecording(questionID string, clip *AudioClip) (QuestionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, q, err := s.activeQuestion(questionID)
	if err != nil {
		return QuestionState{}, err
	}
	if part.Modality() != ModalitySpeech {
		return QuestionState{}, ErrWrongModality
	}
	return s.recording.Stop(q, clip)
}

// Submit 提交当前答案；同题已有评分在进行时等待同一结果
func (s *Session) Submit(ctx context.Context, questionID string) (*ScoreResult, error) {
	s.mu.Lock()
	if call, ok := s.coord.Pending(questionID); ok {
		s.mu.Unlock()
		return call.Wait(ctx)
	}
	part, q, err := s.activeQuestion(questionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	st, _ := s.machine.Get(questionID)
	if st.Lifecycle == LifecycleScored {
		s.mu.Unlock()
		return st.ScoreResult, nil
	}
	if err := validateForSubmit(part, st); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, err := s.machine.Update(questionID, To(LifecycleSubmitted)); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	call, err := s.startSubmitLocked(part, q)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

func validateForSubmit(part Part, st QuestionState) error {
	a := st.RawAnswer
	switch part.Modality() {
	case ModalityChoice:
		if a == nil || a.OptionID == nil {
			return ErrEmptyAnswer
		}
	case ModalitySpeech:
		if a == nil || a.Audio == nil {
			return ErrEmptyRecording
		}
	default:
		if a == nil || strings.TrimSpace(a.Text) == "" {
			return ErrEmptyAnswer
		}
	}
	return nil
}

func (s *Session) Next(ctx context.Context) (Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return MoveNone, err
	}
	s.flushDirty(ctx)
	move, err := s.nav.Next()
	if err != nil {
		return MoveNone, err
	}
	return move, s.applyMoveLocked(ctx, move)
}

func (s *Session) Previous(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return err
	}
	if err := s.nav.Previous(); err != nil {
		return err
	}
	return s.applyMoveLocked(ctx, MoveQuestion)
}

func (s *Session) MoveToNextPart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return err
	}
	if err := s.nav.MoveToNextPart(); err != nil {
		return err
	}
	return s.applyMoveLocked(ctx, MoveQuestion)
}

func (s *Session) CompletePart(ctx context.Context) (Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return MoveNone, err
	}
	move, err := s.nav.CompletePart()
	if err != nil {
		return MoveNone, err
	}
	return move, s.applyMoveLocked(ctx, move)
}

func (s *Session) applyMoveLocked(ctx context.Context, move Move) error {
	switch move {
	case MoveQuestion:
		s.startTimerLocked()
	case MovePartEnd:
		s.timer.Stop()
	case MoveFinished:
		_, err := s.finishLocked(ctx)
		return err
	default:
		return nil
	}
	s.saveProgress(ctx)
	s.emit()
	return nil
}

// startTimerLocked 为当前导航单元启动倒计时；单元内题目均已评分时不计时
func (s *Session) startTimerLocked() {
	part, q, ok := s.nav.Current()
	if !ok {
		s.timer.Stop()
		return
	}
	duration := 0
	allScored := true
	for _, gq := range s.nav.CurrentGroup() {
		duration += QuestionDuration(part, questionIndex(part, gq.ID))
		if st, ok := s.machine.Get(gq.ID); !ok || st.Lifecycle != LifecycleScored {
			allScored = false
		}
	}
	if duration <= 0 || allScored {
		s.timer.Stop()
		return
	}
	s.timer.Start(duration, q.ID)
}

func questionIndex(p Part, questionID string) int {
	for i, q := range p.Questions {
		if q.ID == questionID {
			return i
		}
	}
	return -1
}

func (s *Session) PauseTimer(ctx context.Context) {
	s.timer.Pause()
	if err := s.saveAttempt(ctx); err != nil {
		s.log.Warn("failed to save attempt progress", zap.Error(err))
	}
	s.emit()
}

func (s *Session) ResumeTimer(ctx context.Context) {
	s.timer.Resume()
	if err := s.saveAttempt(ctx); err != nil {
		s.log.Warn("failed to save attempt progress", zap.Error(err))
	}
	s.emit()
}

func (s *Session) handleWarning(token string, remaining int) {
	s.stateMu.Lock()
	s.warned = token
	s.stateMu.Unlock()
	s.log.Debug("countdown warning", zap.String("questionId", token), zap.Int("remaining", remaining))
	s.emit()
}

// handleTimeout 倒计时归零：未作答记为超时零分，已有答案的自由作答题自动提交
func (s *Session) handleTimeout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guardLocked() != nil {
		return
	}
	part, q, ok := s.nav.Current()
	if !ok || q.ID != token || s.nav.Position().AwaitingNextPart {
		return
	}
	monitoring.TimerTimeoutCounter.WithLabelValues(string(part.Skill)).Inc()
	s.log.Info("question timed out", zap.String("questionId", q.ID), zap.String("skill", string(part.Skill)))

	for _, gq := range s.nav.CurrentGroup() {
		s.expireLocked(part, gq)
	}
	s.emit()

	qid := q.ID
	s.cfg.afterFunc(s.cfg.timeoutGrace, func() { s.advanceAfterTimeout(qid) })
}

func (s *Session) expireLocked(part Part, q Question) {
	st, ok := s.machine.Get(q.ID)
	if !ok || st.Lifecycle.AtLeastSubmitted() {
		return
	}
	if _, pending := s.coord.Pending(q.ID); pending {
		return
	}
	log := s.log.With(zap.String("questionId", q.ID))

	if st.Lifecycle == LifecycleReady && !st.RawAnswer.IsEmpty() {
		if _, err := s.machine.Update(q.ID, To(LifecycleSubmitted)); err != nil {
			log.Warn("auto submit on timeout failed", zap.Error(err))
			return
		}
		if _, err := s.startSubmitLocked(part, q); err != nil {
			log.Warn("auto submit on timeout failed", zap.Error(err))
		}
		return
	}

	if _, err := s.machine.Update(q.ID, To(LifecycleSubmitted).WithAnswer(RawAnswer{TimedOut: true})); err != nil {
		log.Warn("failed to record timed out question", zap.Error(err))
		return
	}
	if _, err := s.startSubmitLocked(part, q); err != nil {
		log.Warn("failed to record timed out question", zap.Error(err))
	}
}

func (s *Session) advanceAfterTimeout(questionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guardLocked() != nil {
		return
	}
	move := s.nav.AdvanceAfterTimeout(questionID)
	if err := s.applyMoveLocked(s.ctx, move); err != nil {
		s.log.Error("failed to advance after timeout", zap.Error(err))
	}
}

// scoreAnswer 超时未作答的题目本地记零分，不调用评分器
func (s *Session) scoreAnswer(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	if req.Answer.TimedOut {
		return &ScoreResult{Score: 0, IsCorrect: boolPtr(false), Message: "time expired"}, nil
	}
	return s.scorer.Score(ctx, req)
}

func (s *Session) saveResult(ctx context.Context, req ScoreRequest, res *ScoreResult) error {
	if s.isFinished() {
		return ErrFinished
	}
	if s.cfg.recorder != nil {
		if err := s.cfg.recorder.RecordAnswer(ctx, req, res); err != nil {
			return fmt.Errorf("record answer: %w", err)
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isFinished() {
		return ErrFinished
	}
	st, ok := s.machine.Get(req.Question.ID)
	if !ok {
		return ErrQuestionNotInitialized
	}
	rec := recordFromState(st)
	rec.ScoreResult = res
	return s.records.saveQuestion(ctx, rec)
}

func (s *Session) addScore(_ string, res *ScoreResult) {
	s.stateMu.Lock()
	s.total += res.Score
	s.stateMu.Unlock()
	s.emit()
}

// onTransition 生命周期变化立即落盘，仅答案变化留给自动保存
func (s *Session) onTransition(prev, next QuestionState) {
	s.markDirty(next.QuestionID)
	if prev.Lifecycle != next.Lifecycle || prev.Submitted != next.Submitted {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.persistTimeout)
		if err := s.flushQuestion(ctx, next.QuestionID); err != nil {
			s.log.Error("failed to persist question state",
				zap.String("questionId", next.QuestionID), zap.Error(err))
		}
		cancel()
	}
	if next.Lifecycle == LifecycleScored {
		s.scheduleAutoComplete(next.QuestionID)
	}
	s.emit()
}

// scheduleAutoComplete 自由作答 part 全部评分完成后自动结束该 part
func (s *Session) scheduleAutoComplete(questionID string) {
	part, _, ok := s.nav.Locate(questionID)
	if !ok || part.Skill.IsMultipleChoice() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.guardLocked() != nil {
			return
		}
		cur, _, ok := s.nav.Current()
		if !ok || cur.ID != part.ID || s.nav.Position().AwaitingNextPart {
			return
		}
		for _, q := range part.Questions {
			if st, ok := s.machine.Get(q.ID); !ok || st.Lifecycle != LifecycleScored {
				return
			}
		}
		move, err := s.nav.CompletePart()
		if err != nil {
			return
		}
		s.log.Info("part completed", zap.String("partId", part.ID))
		if err := s.applyMoveLocked(s.ctx, move); err != nil {
			s.log.Error("failed to apply part completion", zap.Error(err))
		}
	}()
}

func (s *Session) markDirty(questionID string) {
	s.dirtyMu.Lock()
	s.dirty[questionID] = struct{}{}
	s.dirtyMu.Unlock()
}

// flushQuestion 写入题目的当前状态
func (s *Session) flushQuestion(ctx context.Context, questionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isFinished() {
		return nil
	}

	s.dirtyMu.Lock()
	delete(s.dirty, questionID)
	s.dirtyMu.Unlock()

	st, ok := s.machine.Get(questionID)
	if !ok {
		return ErrQuestionNotInitialized
	}
	if err := s.records.saveQuestion(ctx, recordFromState(st)); err != nil {
		s.markDirty(questionID)
		return err
	}
	return nil
}

func (s *Session) flushDirty(ctx context.Context) {
	s.dirtyMu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirtyMu.Unlock()

	for _, id := range ids {
		if err := s.flushQuestion(ctx, id); err != nil {
			s.log.Warn("autosave failed", zap.String("questionId", id), zap.Error(err))
		}
	}
}

func (s *Session) saveAttempt(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isFinished() {
		return nil
	}
	pos := s.nav.Position()
	return s.records.saveAttempt(ctx, attemptRecord{
		Attempt:              s.info,
		Position:             pos,
		CurrentQuestionIndex: s.nav.FlatIndex(),
		TimerToken:           s.timer.Token(),
		TimerRemaining:       s.timer.Remaining(),
		TimerPaused:          s.timer.Paused(),
		TotalScore:           s.TotalScore(),
		SavedAt:              s.cfg.now(),
	})
}

// saveProgress 导航后保存进度并同步到考试记录
func (s *Session) saveProgress(ctx context.Context) {
	s.flushDirty(ctx)
	if err := s.saveAttempt(ctx); err != nil {
		s.log.Warn("failed to save attempt progress", zap.Error(err))
	}
	if s.cfg.lifecycle == nil {
		return
	}
	if err := s.cfg.lifecycle.SaveProgress(ctx, s.info.AttemptID, s.nav.FlatIndex()); err != nil {
		s.log.Warn("failed to report progress", zap.Error(err))
	}
}

func (s *Session) autosave(ctx context.Context) {
	if s.isFinished() {
		return
	}
	s.flushDirty(ctx)
	if err := s.saveAttempt(ctx); err != nil {
		s.log.Warn("autosave failed", zap.Error(err))
	}
}

func (s *Session) autosaveLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.autosaveReset:
			t.Reset(d)
		case <-t.C:
			s.autosave(s.ctx)
		}
	}
}

// SetAutosaveInterval 配置热更新时调整自动保存周期
func (s *Session) SetAutosaveInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case s.autosaveReset <- d:
	default:
	}
}

// Finish 交卷：等待进行中的评分，结束考试并结算，清理会话存储
func (s *Session) Finish(ctx context.Context) (*FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(ctx)
}

func (s *Session) finishLocked(ctx context.Context) (*FinalizeResult, error) {
	s.stateMu.Lock()
	if s.finished {
		res := s.result
		s.stateMu.Unlock()
		return res, nil
	}
	if s.closed {
		s.stateMu.Unlock()
		return nil, ErrSessionClosed
	}
	s.stateMu.Unlock()

	s.timer.Stop()
	s.nav.Finish()

	wctx, cancel := context.WithTimeout(ctx, s.cfg.scoreTimeout+s.cfg.persistTimeout)
	if err := s.coord.Wait(wctx); err != nil {
		s.log.Warn("finishing with scoring still in flight", zap.Int("inFlight", s.coord.InFlight()))
	}
	cancel()

	total := s.TotalScore()
	end := s.cfg.now()
	var (
		result *FinalizeResult
		err    error
	)
	if lc := s.cfg.lifecycle; lc != nil {
		if err = lc.EndAttempt(ctx, s.info.AttemptID, total, end); err != nil {
			return nil, fmt.Errorf("end attempt: %w", err)
		}
		if result, err = lc.Finalize(ctx, s.info.AttemptID); err != nil {
			return nil, fmt.Errorf("finalize attempt: %w", err)
		}
	} else {
		result = s.summary(end)
	}

	s.stateMu.Lock()
	s.finished = true
	s.result = result
	s.stateMu.Unlock()

	if err := s.clearRecords(ctx); err != nil {
		s.log.Warn("failed to clear session records", zap.Error(err))
	}
	s.log.Info("attempt finished", zap.Float64("totalScore", total))
	s.emit()
	return result, nil
}

// summary 没有外部考试记录时按内存状态统计
func (s *Session) summary(end time.Time) *FinalizeResult {
	res := &FinalizeResult{StartTime: s.info.StartTime, EndTime: end, TotalScore: s.TotalScore()}
	for _, p := range s.nav.Parts() {
		for _, q := range p.Questions {
			res.TotalQuestions++
			st, ok := s.machine.Get(q.ID)
			if !ok || st.ScoreResult == nil || st.ScoreResult.IsCorrect == nil {
				continue
			}
			if *st.ScoreResult.IsCorrect {
				res.CorrectAnswers++
			} else {
				res.IncorrectAnswers++
			}
		}
	}
	if res.TotalQuestions > 0 {
		res.PercentCorrect = float64(res.CorrectAnswers) / float64(res.TotalQuestions) * 100
	}
	if !s.info.StartTime.IsZero() {
		res.Duration = end.Sub(s.info.StartTime)
	}
	return res
}

// Abandon 放弃本次作答并清除会话存储
func (s *Session) Abandon(ctx context.Context) error {
	s.mu.Lock()
	s.timer.Stop()
	s.nav.Finish()
	s.stateMu.Lock()
	s.finished = true
	s.stateMu.Unlock()
	s.mu.Unlock()

	if err := s.clearRecords(ctx); err != nil {
		return fmt.Errorf("clear session records: %w", err)
	}
	s.log.Info("attempt abandoned")
	return s.Close(ctx)
}

// clearRecords 在 finished 置位后调用；持有 writeMu，之后的写入都会看到 finished 而跳过
func (s *Session) clearRecords(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.records.store.Clear(ctx, s.info.AttemptID)
}

// Drain 等待进行中的评分结束
func (s *Session) Drain(ctx context.Context) error {
	return s.coord.Wait(ctx)
}

// Close 保存最后状态并停止后台任务；进行中的评分会被取消并回滚
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()
	s.timer.Stop()
	s.mu.Unlock()

	s.autosave(ctx)
	s.cancel()
	s.wg.Wait()

	s.emit()
	s.subsMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
	return nil
}

func (s *Session) isFinished() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.finished
}

func (s *Session) Closed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

func (s *Session) Snapshot() SessionSnapshot {
	pos := s.nav.Position()
	snap := SessionSnapshot{
		Attempt:  s.info,
		Position: pos,
		InFlight: s.coord.InFlight(),
	}
	if part, q, ok := s.nav.Current(); ok {
		snap.CurrentPartID = part.ID
		if !pos.AwaitingNextPart {
			snap.CurrentQuestionID = q.ID
			for _, gq := range s.nav.CurrentGroup() {
				snap.GroupQuestionIDs = append(snap.GroupQuestionIDs, gq.ID)
			}
		}
		if part.Skill.IsMultipleChoice() {
			snap.Timer.PartTotal = part.TotalTime()
		}
	}
	for _, st := range s.machine.Snapshot().States {
		if st.RawAnswer != nil && st.RawAnswer.Audio != nil {
			st.RawAnswer.Audio.Data = nil
		}
		snap.States = append(snap.States, st)
	}

	token := s.timer.Token()
	snap.Timer.Token = token
	snap.Timer.Remaining = s.timer.Remaining()
	snap.Timer.Paused = s.timer.Paused()
	snap.Timer.Running = s.timer.Running()

	s.stateMu.Lock()
	snap.TotalScore = s.total
	snap.Result = s.result
	snap.Closed = s.closed
	snap.Timer.Warning = s.warned != "" && s.warned == token
	s.stateMu.Unlock()
	return snap
}

// Subscribe 订阅会话快照，立即收到当前快照
func (s *Session) Subscribe(buffer int) (<-chan SessionSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan SessionSnapshot, buffer)
	snap := s.Snapshot()

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.version++
	snap.Version = s.version
	ch <- snap
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) emit() {
	s.subsMu.Lock()
	empty := len(s.subs) == 0
	s.subsMu.Unlock()
	if empty {
		return
	}
	snap := s.Snapshot()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.version++
	snap.Version = s.version
	for _, ch := range s.subs {
		offerLatest(ch, snap)
	}
}
