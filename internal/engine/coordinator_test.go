package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// blockingScorer 在 release 关闭前阻塞，记录调用次数
type blockingScorer struct {
	calls   atomic.Int32
	release chan struct{}
	result  *ScoreResult
	err     error
}

func (b *blockingScorer) Score(ctx context.Context, _ ScoreRequest) (*ScoreResult, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
		return b.result, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func submittedMachine(t *testing.T, qid string, ans RawAnswer) *StateMachine {
	t.Helper()
	m := NewStateMachine()
	m.Initialize(qid)
	if _, err := m.Update(qid, To(LifecycleSubmitted).WithAnswer(ans)); err != nil {
		t.Fatal(err)
	}
	return m
}

func writingRequest(qid, text string) ScoreRequest {
	return ScoreRequest{
		AttemptID: "a1",
		Skill:     SkillWriting,
		Modality:  ModalityText,
		Question:  Question{ID: qid},
		Answer:    RawAnswer{Text: text},
	}
}

func TestCoordinatorCoalescesDuplicateSubmits(t *testing.T) {
	m := submittedMachine(t, "q1", RawAnswer{Text: "essay"})
	scorer := &blockingScorer{release: make(chan struct{}), result: &ScoreResult{Score: 4}}
	c := NewCoordinator(m, scorer)

	req := writingRequest("q1", "essay")
	first, started := c.Start(req)
	if !started {
		t.Fatal("first Start did not start a call")
	}
	second, started := c.Start(req)
	if started || second != first {
		t.Fatal("duplicate Start created a second call")
	}

	var wg sync.WaitGroup
	results := make([]*ScoreResult, 2)
	for i, call := range []*Call{first, second} {
		wg.Add(1)
		go func(i int, call *Call) {
			defer wg.Done()
			res, err := call.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait: %v", err)
			}
			results[i] = res
		}(i, call)
	}
	close(scorer.release)
	wg.Wait()

	if n := scorer.calls.Load(); n != 1 {
		t.Fatalf("scorer called %d times, want 1", n)
	}
	if results[0].Score != 4 || results[1].Score != 4 {
		t.Fatalf("results = %+v, %+v", results[0], results[1])
	}
	if _, ok := c.Pending("q1"); ok {
		t.Fatal("pending entry not removed")
	}
	st, _ := m.Get("q1")
	if st.Lifecycle != LifecycleScored || !st.Submitted {
		t.Fatalf("state after scoring %+v", st)
	}
}

func TestCoordinatorTimeoutRollsBackAndRetries(t *testing.T) {
	m := submittedMachine(t, "q1", RawAnswer{Text: "my essay"})
	scorer := &blockingScorer{release: make(chan struct{}), result: &ScoreResult{Score: 6}}
	var scored float64
	c := NewCoordinator(m, scorer,
		WithScoreTimeout(20*time.Millisecond),
		WithScoredCallback(func(_ string, r *ScoreResult) { scored += r.Score }),
	)

	_, err := c.Submit(context.Background(), writingRequest("q1", "my essay"))
	if !errors.Is(err, ErrScorerTimeout) {
		t.Fatalf("Submit err = %v, want ErrScorerTimeout", err)
	}
	st, _ := m.Get("q1")
	if st.Lifecycle != LifecycleReady || st.RawAnswer.Text != "my essay" || st.ErrorMessage == "" || st.Submitted {
		t.Fatalf("state after timeout %+v", st)
	}
	if _, ok := c.Pending("q1"); ok {
		t.Fatal("pending entry kept after timeout")
	}

	close(scorer.release)
	if _, err := m.Update("q1", To(LifecycleSubmitted)); err != nil {
		t.Fatal(err)
	}
	res, err := c.Submit(context.Background(), writingRequest("q1", "my essay"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Score != 6 || scored != 6 {
		t.Fatalf("retry result %+v, total %v", res, scored)
	}
	st, _ = m.Get("q1")
	if st.Lifecycle != LifecycleScored || st.ErrorMessage != "" {
		t.Fatalf("state after retry %+v", st)
	}
}

func TestCoordinatorPersistFailureRollsBack(t *testing.T) {
	m := submittedMachine(t, "q1", RawAnswer{Text: "x"})
	scorer := ScorerFunc(func(context.Context, ScoreRequest) (*ScoreResult, error) {
		return &ScoreResult{Score: 1}, nil
	})
	var onScored bool
	c := NewCoordinator(m, scorer,
		WithResultSaver(func(context.Context, ScoreRequest, *ScoreResult) error {
			return errors.New("disk full")
		}),
		WithScoredCallback(func(string, *ScoreResult) { onScored = true }),
	)

	_, err := c.Submit(context.Background(), writingRequest("q1", "x"))
	if !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("err = %v, want ErrPersistFailed", err)
	}
	st, _ := m.Get("q1")
	if st.Lifecycle != LifecycleReady || st.Submitted || onScored {
		t.Fatalf("state %+v, onScored %v", st, onScored)
	}
}

func TestCoordinatorScorerError(t *testing.T) {
	m := submittedMachine(t, "q1", RawAnswer{Text: "x"})
	c := NewCoordinator(m, ScorerFunc(func(context.Context, ScoreRequest) (*ScoreResult, error) {
		return nil, errors.New("503 service unavailable")
	}))
	_, err := c.Submit(context.Background(), writingRequest("q1", "x"))
	if !errors.Is(err, ErrScorerFailed) {
		t.Fatalf("err = %v, want ErrScorerFailed", err)
	}
	st, _ := m.Get("q1")
	if st.Lifecycle != LifecycleReady {
		t.Fatalf("lifecycle = %s", st.Lifecycle)
	}
}

func TestCoordinatorWaiterCancelDoesNotStopScoring(t *testing.T) {
	m := submittedMachine(t, "q1", RawAnswer{Text: "x"})
	scorer := &blockingScorer{release: make(chan struct{}), result: &ScoreResult{Score: 2}}
	c := NewCoordinator(m, scorer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Submit(ctx, writingRequest("q1", "x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(scorer.release)
	if err := c.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, _ := m.Get("q1")
	if st.Lifecycle != LifecycleScored {
		t.Fatalf("lifecycle = %s, want scored", st.Lifecycle)
	}
}

func TestCoordinatorPersistTimeoutBoundsStuckSaver(t *testing.T) {
	m := submittedMachine(t, "q1", RawAnswer{Text: "x"})
	release := make(chan struct{})
	defer close(release)
	c := NewCoordinator(m,
		ScorerFunc(func(context.Context, ScoreRequest) (*ScoreResult, error) {
			return &ScoreResult{Score: 1}, nil
		}),
		WithPersistTimeout(20*time.Millisecond),
		// 不理会 ctx 的存储
		WithResultSaver(func(context.Context, ScoreRequest, *ScoreResult) error {
			<-release
			return nil
		}),
	)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), writingRequest("q1", "x"))
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrPersistFailed) {
			t.Fatalf("err = %v, want ErrPersistFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("persist timeout did not bound a stuck saver")
	}
	if st, _ := m.Get("q1"); st.Lifecycle != LifecycleReady || st.Submitted {
		t.Fatalf("state %+v", st)
	}
}
