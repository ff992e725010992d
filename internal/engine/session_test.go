package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"exam_session_engine/internal/countdown"
	"exam_session_engine/internal/sessionstore"
)

type testTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (tk *testTicker) C() <-chan time.Time { return tk.ch }
func (tk *testTicker) Stop()               { tk.once.Do(func() { close(tk.stopped) }) }

type sessionHarness struct {
	t       *testing.T
	s       *Session
	store   sessionstore.Store
	tickers chan *testTicker
	after   chan func()
}

func newHarness(t *testing.T, store sessionstore.Store, scorer Scorer, parts []Part, opts ...SessionOption) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		t:       t,
		store:   store,
		tickers: make(chan *testTicker, 32),
		after:   make(chan func(), 8),
	}
	base := []SessionOption{
		WithTick(time.Second, func(time.Duration) countdown.Ticker {
			tk := &testTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
			h.tickers <- tk
			return tk
		}),
		WithAfterFunc(func(_ time.Duration, f func()) { h.after <- f }),
		WithAutosaveInterval(time.Hour),
	}
	info := AttemptInfo{AttemptID: "att-1", UserID: "u1", ExamID: "e1", StartTime: time.Now()}
	h.s = NewSession(info, parts, store, scorer, append(base, opts...)...)
	if err := h.s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.s.Close(context.Background()) })
	return h
}

// latestTicker 返回最近创建的 ticker
func (h *sessionHarness) latestTicker() *testTicker {
	h.t.Helper()
	var tk *testTicker
	for {
		select {
		case next := <-h.tickers:
			tk = next
		default:
			if tk == nil {
				h.t.Fatal("no countdown ticker running")
			}
			return tk
		}
	}
}

func (h *sessionHarness) tick(tk *testTicker, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		select {
		case tk.ch <- time.Now():
		case <-time.After(time.Second):
			h.t.Fatalf("tick %d not consumed", i+1)
		}
	}
}

func (h *sessionHarness) state(qid string) QuestionState {
	h.t.Helper()
	st, ok := h.s.machine.Get(qid)
	if !ok {
		h.t.Fatalf("question %s not initialized", qid)
	}
	return st
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listeningPart() Part {
	opts := []Option{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}, {ID: 5}}
	return Part{ID: "1", Code: "L1", Skill: SkillListening, Questions: []Question{
		{ID: "l1", Options: opts, CorrectOptionID: intPtr(5), Weight: 2, TimeSeconds: 3},
		{ID: "l2", Options: opts, CorrectOptionID: intPtr(1), Weight: 1, TimeSeconds: 3},
	}}
}

func writingPart(ids ...string) Part {
	p := Part{ID: "4", Code: "W1", Skill: SkillWriting}
	for _, id := range ids {
		p.Questions = append(p.Questions, Question{ID: id, Prompt: "Describe the picture"})
	}
	return p
}

// switchScorer 选择题本地判分，其余交给 free
type switchScorer struct {
	free Scorer
}

func (s switchScorer) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	if req.Modality == ModalityChoice {
		return ChoiceScorer{}.Score(ctx, req)
	}
	return s.free.Score(ctx, req)
}

func TestSessionListeningEndToEnd(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	h := newHarness(t, store, ChoiceScorer{}, []Part{listeningPart()})
	ctx := context.Background()

	if _, err := h.s.Next(ctx); !errors.Is(err, ErrAnswerRequired) {
		t.Fatalf("Next before answering = %v", err)
	}

	res, err := h.s.SelectOption(ctx, "l1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 2 || res.IsCorrect == nil || !*res.IsCorrect {
		t.Fatalf("result = %+v", res)
	}
	if h.s.TotalScore() != 2 {
		t.Fatalf("total = %v, want 2", h.s.TotalScore())
	}
	if st := h.state("l1"); st.Lifecycle != LifecycleScored || !st.Submitted {
		t.Fatalf("l1 = %+v", st)
	}

	if _, err := h.s.SelectOption(ctx, "l1", 3); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("changing a scored answer = %v", err)
	}

	if move, err := h.s.Next(ctx); err != nil || move != MoveQuestion {
		t.Fatalf("Next = %v, %v", move, err)
	}
	if _, err := h.s.SelectOption(ctx, "l2", 4); err != nil {
		t.Fatal(err)
	}
	move, err := h.s.Next(ctx)
	if err != nil || move != MoveFinished {
		t.Fatalf("final Next = %v, %v", move, err)
	}

	result := h.s.Result()
	if result == nil || result.TotalScore != 2 || result.CorrectAnswers != 1 || result.IncorrectAnswers != 1 {
		t.Fatalf("result = %+v", result)
	}
	entries, err := store.LoadAttempt(ctx, "att-1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("session records after finish = %d, %v", len(entries), err)
	}
	if _, err := h.s.SelectOption(ctx, "l2", 1); !errors.Is(err, ErrFinished) {
		t.Fatalf("answer after finish = %v", err)
	}
}

func TestSessionResumeRoundTrip(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	parts := []Part{writingPart("w1", "w2"), listeningPart()}
	scorer := switchScorer{free: ScorerFunc(func(context.Context, ScoreRequest) (*ScoreResult, error) {
		return &ScoreResult{Score: 3}, nil
	})}
	ctx := context.Background()

	h := newHarness(t, store, scorer, parts)
	if _, err := h.s.SelectOption(ctx, "l1", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.SelectOption(ctx, "l2", 1); err != nil {
		t.Fatal(err)
	}
	if move, err := h.s.Next(ctx); err != nil || move != MovePartEnd {
		t.Fatalf("Next = %v, %v", move, err)
	}
	if err := h.s.MoveToNextPart(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.UpdateText("w1", "draft one"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.UpdateText("w1", "draft one, revised"); err != nil {
		t.Fatal(err)
	}
	before := h.s.Snapshot()
	if err := h.s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	h2 := newHarness(t, store, scorer, parts)
	after := h2.s.Snapshot()

	if after.TotalScore != 3 {
		t.Fatalf("restored total = %v, want 3", after.TotalScore)
	}
	if after.Position != before.Position {
		t.Fatalf("restored position %+v, want %+v", after.Position, before.Position)
	}
	want := map[string]Lifecycle{"l1": LifecycleScored, "l2": LifecycleScored, "w1": LifecycleReady, "w2": LifecycleNotStarted}
	for _, st := range after.States {
		if st.Lifecycle != want[st.QuestionID] {
			t.Errorf("%s restored as %s, want %s", st.QuestionID, st.Lifecycle, want[st.QuestionID])
		}
	}
	if st := h2.state("w1"); st.RawAnswer == nil || st.RawAnswer.Text != "draft one, revised" {
		t.Fatalf("w1 answer = %+v", st.RawAnswer)
	}
	if st := h2.state("l1"); st.ScoreResult == nil || st.ScoreResult.Score != 2 || *st.RawAnswer.OptionID != 5 {
		t.Fatalf("l1 = %+v", st)
	}
}

func TestRebuildState(t *testing.T) {
	tests := []struct {
		name string
		rec  questionRecord
		want Lifecycle
	}{
		{name: "submitted with result", rec: questionRecord{Submitted: true, ScoreResult: &ScoreResult{Score: 1}, RawAnswer: &RawAnswer{Text: "a"}}, want: LifecycleScored},
		{name: "result without flag", rec: questionRecord{ScoreResult: &ScoreResult{Score: 1}, RawAnswer: &RawAnswer{Text: "a"}}, want: LifecycleReady},
		{name: "interrupted scoring", rec: questionRecord{Lifecycle: LifecycleScoring, RawAnswer: &RawAnswer{Text: "a"}}, want: LifecycleReady},
		{name: "empty", rec: questionRecord{Lifecycle: LifecycleNotStarted}, want: LifecycleNotStarted},
		{name: "typing started", rec: questionRecord{Lifecycle: LifecycleInProgress, RawAnswer: &RawAnswer{Text: " "}}, want: LifecycleInProgress},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := tc.rec.RebuildState()
			if st.Lifecycle != tc.want {
				t.Fatalf("lifecycle = %s, want %s", st.Lifecycle, tc.want)
			}
			if st.Lifecycle != LifecycleScored && st.ScoreResult != nil {
				t.Fatal("score result kept on unscored question")
			}
		})
	}
}

func TestSessionWritingTimeoutKeepsAnswer(t *testing.T) {
	var healthy atomic.Bool
	scorer := ScorerFunc(func(ctx context.Context, _ ScoreRequest) (*ScoreResult, error) {
		if healthy.Load() {
			return &ScoreResult{Score: 8, Writing: &WritingScore{TotalScore: 8}}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, sessionstore.NewMemoryStore(), scorer, []Part{writingPart("w1")},
		WithTimeouts(20*time.Millisecond, 0))
	ctx := context.Background()

	if _, err := h.s.Submit(ctx, "w1"); !errors.Is(err, ErrEmptyAnswer) {
		t.Fatalf("Submit blank = %v", err)
	}
	h.s.UpdateText("w1", "The chart shows a steady increase.")

	if _, err := h.s.Submit(ctx, "w1"); !errors.Is(err, ErrScorerTimeout) {
		t.Fatalf("Submit = %v, want ErrScorerTimeout", err)
	}
	st := h.state("w1")
	if st.Lifecycle != LifecycleReady || st.RawAnswer.Text != "The chart shows a steady increase." || st.ErrorMessage == "" {
		t.Fatalf("after timeout %+v", st)
	}

	healthy.Store(true)
	res, err := h.s.Submit(ctx, "w1")
	if err != nil {
		t.Fatalf("retry = %v", err)
	}
	if res.Score != 8 || h.s.TotalScore() != 8 {
		t.Fatalf("retry result %+v total %v", res, h.s.TotalScore())
	}
	// 全部评分完成后自动结束写作 part
	eventually(t, "auto finish", func() bool { return h.s.Result() != nil })
}

func TestSessionDoubleSubmitSingleScorerCall(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	scorer := ScorerFunc(func(ctx context.Context, _ ScoreRequest) (*ScoreResult, error) {
		calls.Add(1)
		<-release
		return &ScoreResult{Score: 5}, nil
	})
	h := newHarness(t, sessionstore.NewMemoryStore(), scorer, []Part{writingPart("w1", "w2")})
	ctx := context.Background()
	h.s.UpdateText("w1", "answer")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.s.Submit(ctx, "w1")
			if err == nil && res.Score != 5 {
				err = errors.New("unexpected score")
			}
			errs <- err
		}()
	}
	eventually(t, "scorer call", func() bool { return calls.Load() == 1 })
	eventually(t, "both submits waiting", func() bool {
		call, ok := h.s.coord.Pending("w1")
		return ok && call != nil
	})
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("scorer called %d times, want 1", n)
	}
	if h.s.TotalScore() != 5 {
		t.Fatalf("total = %v, want 5", h.s.TotalScore())
	}
}

func TestSessionTimeoutRecordsNonResponse(t *testing.T) {
	h := newHarness(t, sessionstore.NewMemoryStore(), ChoiceScorer{}, []Part{listeningPart()})

	h.tick(h.latestTicker(), 3)

	var advance func()
	select {
	case advance = <-h.after:
	case <-time.After(time.Second):
		t.Fatal("timeout did not schedule an advance")
	}
	eventually(t, "non-response scored", func() bool {
		return h.state("l1").Lifecycle == LifecycleScored
	})
	st := h.state("l1")
	if !st.RawAnswer.TimedOut || st.ScoreResult.Score != 0 {
		t.Fatalf("l1 = %+v", st)
	}

	advance()
	if _, q, _ := h.s.nav.Current(); q.ID != "l2" {
		t.Fatalf("current after timeout = %s, want l2", q.ID)
	}
	// 过期的超时回调不会再次推进
	advance()
	if _, q, _ := h.s.nav.Current(); q.ID != "l2" {
		t.Fatalf("stale advance moved to %s", q.ID)
	}
}

func TestSessionRejectsInactivePart(t *testing.T) {
	h := newHarness(t, sessionstore.NewMemoryStore(), ChoiceScorer{}, []Part{writingPart("w1"), listeningPart()})

	if _, err := h.s.UpdateText("w1", "too early"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("UpdateText on later part = %v", err)
	}
	if _, err := h.s.UpdateText("l1", "text"); !errors.Is(err, ErrWrongModality) {
		t.Fatalf("UpdateText on choice question = %v", err)
	}
	if _, err := h.s.SelectOption(context.Background(), "nope", 1); !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("unknown question = %v", err)
	}
}

func TestSessionSpeakingRecording(t *testing.T) {
	part := Part{ID: "3", Code: "S1", Skill: SkillSpeaking, Questions: []Question{{ID: "s1"}}}
	h := newHarness(t, sessionstore.NewMemoryStore(),
		ScorerFunc(func(_ context.Context, req ScoreRequest) (*ScoreResult, error) {
			if req.Answer.Audio == nil || len(req.Answer.Audio.Data) == 0 {
				return nil, errors.New("missing audio")
			}
			return &ScoreResult{Score: 4, Speaking: &SpeakingScore{Overall: 4}}, nil
		}),
		[]Part{part})
	ctx := context.Background()

	// 口语题未配置时长时使用默认表：第 1 题 10+45 秒
	if got := h.s.Snapshot().Timer.Remaining; got != 55 {
		t.Fatalf("speaking countdown = %d, want 55", got)
	}
	if _, err := h.s.StartRecording("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.s.StopRecording("s1", &AudioClip{}); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("empty recording = %v", err)
	}
	if _, err := h.s.StopRecording("s1", &AudioClip{Data: make([]byte, 2048), ContentType: "audio/webm"}); err != nil {
		t.Fatal(err)
	}
	res, err := h.s.Submit(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Speaking == nil || res.Score != 4 {
		t.Fatalf("result %+v", res)
	}
	for _, st := range h.s.Snapshot().States {
		if st.RawAnswer != nil && st.RawAnswer.Audio != nil && st.RawAnswer.Audio.Data != nil {
			t.Fatal("snapshot leaked raw audio bytes")
		}
	}
}

// slowStore 每次写入都停顿一下，并把写入的 scope 通知出去
type slowStore struct {
	sessionstore.Store
	delay time.Duration
	saved chan sessionstore.Scope
}

func (s *slowStore) Save(ctx context.Context, scope sessionstore.Scope, payload []byte) error {
	time.Sleep(s.delay)
	if err := s.Store.Save(ctx, scope, payload); err != nil {
		return err
	}
	if s.saved != nil {
		select {
		case s.saved <- scope:
		default:
		}
	}
	return nil
}

func TestSessionConcurrentSubmitAndTyping(t *testing.T) {
	store := &slowStore{Store: sessionstore.NewMemoryStore(), delay: 100 * time.Microsecond}
	failing := ScorerFunc(func(context.Context, ScoreRequest) (*ScoreResult, error) {
		return nil, errors.New("scorer unavailable")
	})
	h := newHarness(t, store, failing, []Part{writingPart("w1", "w2")})
	ctx := context.Background()
	if _, err := h.s.UpdateText("w1", "first essay"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := h.s.Submit(ctx, "w1"); !errors.Is(err, ErrScorerFailed) {
				t.Errorf("Submit #%d = %v, want ErrScorerFailed", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := h.s.UpdateText("w2", "second essay draft"); err != nil {
				t.Errorf("UpdateText #%d = %v", i, err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit and typing did not finish")
	}
	if st := h.state("w1"); st.Lifecycle != LifecycleReady || st.RawAnswer.Text != "first essay" {
		t.Fatalf("w1 = %+v", st)
	}
}

// gateRecorder 在 release 关闭前阻塞，且不理会 ctx
type gateRecorder struct {
	entered chan struct{}
	release chan struct{}
	done    chan struct{}
}

func (r *gateRecorder) RecordAnswer(context.Context, ScoreRequest, *ScoreResult) error {
	close(r.entered)
	<-r.release
	close(r.done)
	return nil
}

func TestSessionAbandonDuringScoringLeavesNoRecords(t *testing.T) {
	store := &slowStore{Store: sessionstore.NewMemoryStore(), saved: make(chan sessionstore.Scope, 16)}
	rec := &gateRecorder{entered: make(chan struct{}), release: make(chan struct{}), done: make(chan struct{})}
	scorer := ScorerFunc(func(context.Context, ScoreRequest) (*ScoreResult, error) {
		return &ScoreResult{Score: 5}, nil
	})
	h := newHarness(t, store, scorer, []Part{writingPart("w1")}, WithRecorder(rec))
	ctx := context.Background()
	if _, err := h.s.UpdateText("w1", "an essay"); err != nil {
		t.Fatal(err)
	}

	submitErr := make(chan error, 1)
	go func() {
		_, err := h.s.Submit(ctx, "w1")
		submitErr <- err
	}()
	<-rec.entered

	if err := h.s.Abandon(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-submitErr; !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("Submit after abandon = %v, want ErrPersistFailed", err)
	}
	for len(store.saved) > 0 {
		<-store.saved
	}

	close(rec.release)
	<-rec.done
	select {
	case scope := <-store.saved:
		t.Fatalf("record %s written after abandon", scope)
	case <-time.After(100 * time.Millisecond):
	}
	entries, err := store.LoadAttempt(ctx, "att-1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("records after abandon = %d, %v", len(entries), err)
	}
}

func TestSessionResumeRescoresUnscoredChoice(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	// 评分中途进程退出：只留下选项，没有结果
	records := recordStore{store: store, attemptID: "att-1"}
	if err := records.saveQuestion(ctx, questionRecord{
		QuestionID: "l1",
		Lifecycle:  LifecycleScoring,
		RawAnswer:  &RawAnswer{OptionID: intPtr(5)},
	}); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, store, ChoiceScorer{}, []Part{listeningPart()})
	eventually(t, "restored choice scored", func() bool {
		st, _ := h.s.machine.Get("l1")
		return st.Lifecycle == LifecycleScored
	})
	if h.s.TotalScore() != 2 {
		t.Fatalf("total = %v, want 2", h.s.TotalScore())
	}
	if move, err := h.s.Next(ctx); err != nil || move != MoveQuestion {
		t.Fatalf("Next = %v, %v", move, err)
	}
}
