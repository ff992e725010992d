package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/model"
	"exam_session_engine/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// fakeAttemptStore 内存版 AttemptStore
type fakeAttemptStore struct {
	mu        sync.Mutex
	attempts  map[string]*model.ExamAttempt
	answers   map[string]map[uint]model.AttemptAnswer
	questions int64
	progress  map[string]int
	failWrite error
}

func newFakeAttemptStore(questions int64) *fakeAttemptStore {
	return &fakeAttemptStore{
		attempts:  make(map[string]*model.ExamAttempt),
		answers:   make(map[string]map[uint]model.AttemptAnswer),
		progress:  make(map[string]int),
		questions: questions,
	}
}

func (f *fakeAttemptStore) Create(_ context.Context, a *model.ExamAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	f.attempts[a.ID] = &cp
	return nil
}

func (f *fakeAttemptStore) FindByID(_ context.Context, id string) (*model.ExamAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAttemptStore) FindOpen(_ context.Context, userID string, examID uint) (*model.ExamAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.UserID == userID && a.ExamID == examID && a.Status == model.AttemptStatusInProgress {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeAttemptStore) UpdateProgress(_ context.Context, id string, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[id] = index
	if a, ok := f.attempts[id]; ok {
		a.CurrentQuestionIndex = index
	}
	return nil
}

func (f *fakeAttemptStore) End(_ context.Context, id string, total decimal.Decimal, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.Status = model.AttemptStatusCompleted
	a.TotalScore = total
	a.EndTime = &end
	return nil
}

func (f *fakeAttemptStore) MarkAbandoned(_ context.Context, id string, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[id]; ok && a.Status == model.AttemptStatusInProgress {
		a.Status = model.AttemptStatusAbandoned
		a.EndTime = &end
	}
	return nil
}

func (f *fakeAttemptStore) UpsertAnswer(_ context.Context, ans *model.AttemptAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite != nil {
		return f.failWrite
	}
	if f.answers[ans.AttemptID] == nil {
		f.answers[ans.AttemptID] = make(map[uint]model.AttemptAnswer)
	}
	f.answers[ans.AttemptID][ans.QuestionID] = *ans
	return nil
}

func (f *fakeAttemptStore) ListAnswers(_ context.Context, attemptID string) ([]model.AttemptAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AttemptAnswer
	for _, a := range f.answers[attemptID] {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAttemptStore) CountQuestions(context.Context, uint) (int64, error) {
	return f.questions, nil
}

func boolPtr(v bool) *bool { return &v }

func TestAttemptServiceStartResumesOpenAttempt(t *testing.T) {
	store := newFakeAttemptStore(4)
	svc := NewAttemptService(store)
	ctx := context.Background()

	first, resumed, err := svc.StartAttempt(ctx, "u1", 7)
	if err != nil || resumed {
		t.Fatalf("first start: resumed=%v err=%v", resumed, err)
	}
	again, resumed, err := svc.StartAttempt(ctx, "u1", 7)
	if err != nil || !resumed || again.ID != first.ID {
		t.Fatalf("second start: %+v resumed=%v err=%v", again, resumed, err)
	}
	other, resumed, _ := svc.StartAttempt(ctx, "u2", 7)
	if resumed || other.ID == first.ID {
		t.Fatal("another user's start resumed a foreign attempt")
	}

	if _, err := svc.Get(ctx, first.ID, "u2"); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("Get by other user = %v", err)
	}
	if _, err := svc.Get(ctx, "missing", ""); !errors.Is(err, util.ErrAttemptNotFound) {
		t.Fatalf("Get missing = %v", err)
	}
}

func TestAttemptServiceRecordAndFinalize(t *testing.T) {
	store := newFakeAttemptStore(4)
	svc := NewAttemptService(store)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	ctx := context.Background()

	attempt, _, err := svc.StartAttempt(ctx, "u1", 1)
	if err != nil {
		t.Fatal(err)
	}

	record := func(qid string, skill engine.SkillType, ans engine.RawAnswer, res *engine.ScoreResult) {
		t.Helper()
		req := engine.ScoreRequest{AttemptID: attempt.ID, PartID: "3", Skill: skill, Question: engine.Question{ID: qid}, Answer: ans}
		if err := svc.RecordAnswer(ctx, req, res); err != nil {
			t.Fatal(err)
		}
	}
	one, five := 1, 5
	record("10", engine.SkillListening, engine.RawAnswer{OptionID: &five}, &engine.ScoreResult{Score: 2, IsCorrect: boolPtr(true)})
	record("11", engine.SkillListening, engine.RawAnswer{OptionID: &one}, &engine.ScoreResult{Score: 0, IsCorrect: boolPtr(false)})
	// 重复评分覆盖
	record("11", engine.SkillListening, engine.RawAnswer{OptionID: &five}, &engine.ScoreResult{Score: 1, IsCorrect: boolPtr(true)})
	record("12", engine.SkillSpeaking,
		engine.RawAnswer{Audio: &engine.AudioClip{Data: []byte("raw"), URL: "/uploads/r.webm", DurationSeconds: 9}},
		&engine.ScoreResult{Score: 40.5, Speaking: &engine.SpeakingScore{Overall: 40.5}})

	stored := store.answers[attempt.ID][12]
	var ans storedAnswer
	if err := json.Unmarshal(stored.Answer, &ans); err != nil {
		t.Fatal(err)
	}
	if ans.AudioURL != "/uploads/r.webm" || stored.AudioURL != "/uploads/r.webm" || stored.PartID != 3 {
		t.Fatalf("stored speaking answer %+v / %+v", stored, ans)
	}

	end := start.Add(25 * time.Minute)
	if err := svc.EndAttempt(ctx, attempt.ID, 43.5, end); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Finalize(ctx, attempt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalScore != 43.5 || res.CorrectAnswers != 2 || res.IncorrectAnswers != 0 {
		t.Fatalf("finalize %+v", res)
	}
	if res.TotalQuestions != 4 || res.PercentCorrect != 50 || res.Duration != 25*time.Minute {
		t.Fatalf("finalize %+v", res)
	}
}

func TestAttemptServiceRecordFailurePropagates(t *testing.T) {
	store := newFakeAttemptStore(1)
	store.failWrite = errors.New("connection reset")
	svc := NewAttemptService(store)
	err := svc.RecordAnswer(context.Background(), engine.ScoreRequest{AttemptID: "a", Question: engine.Question{ID: "1"}}, &engine.ScoreResult{})
	if err == nil {
		t.Fatal("expected write failure")
	}
}
