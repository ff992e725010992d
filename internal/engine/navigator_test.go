package engine

import (
	"errors"
	"testing"
)

func choicePart(id string, skill SkillType, qids ...string) Part {
	p := Part{ID: id, Code: string(skill) + "-" + id, Skill: skill}
	for _, q := range qids {
		p.Questions = append(p.Questions, Question{ID: q, TimeSeconds: 30, CorrectOptionID: intPtr(1), Weight: 1})
	}
	return p
}

func answer(t *testing.T, m *StateMachine, qid string, option int) {
	t.Helper()
	if _, err := m.Update(qid, To(LifecycleSubmitted).WithAnswer(RawAnswer{OptionID: intPtr(option)})); err != nil {
		t.Fatal(err)
	}
}

func newTestNavigator(parts ...Part) (*Navigator, *StateMachine) {
	m := NewStateMachine()
	for _, p := range parts {
		for _, q := range p.Questions {
			m.Initialize(q.ID)
		}
	}
	return NewNavigator(parts, m), m
}

func TestSortParts(t *testing.T) {
	parts := []Part{
		{ID: "9", Skill: SkillWriting},
		{ID: "10", Skill: SkillReading},
		{ID: "2", Skill: SkillReading},
		{ID: "1", Skill: "grammar"},
		{ID: "5", Skill: SkillListening},
		{ID: "3", Skill: SkillSpeaking},
	}
	got := SortParts(parts)
	want := []string{"5", "2", "10", "3", "9", "1"}
	for i, p := range got {
		if p.ID != want[i] {
			t.Fatalf("order[%d] = %s, want %s (full %v)", i, p.ID, want[i], got)
		}
	}
	if parts[0].ID != "9" {
		t.Fatal("SortParts modified its input")
	}
}

func TestNavigatorChoiceGating(t *testing.T) {
	nav, m := newTestNavigator(
		choicePart("1", SkillReading, "r1", "r2", "r3"),
		choicePart("2", SkillReading, "r4"),
	)

	if _, err := nav.Next(); !errors.Is(err, ErrAnswerRequired) {
		t.Fatalf("Next without answer err = %v", err)
	}
	answer(t, m, "r1", 1)
	if move, err := nav.Next(); err != nil || move != MoveQuestion {
		t.Fatalf("Next = %v, %v", move, err)
	}
	answer(t, m, "r2", 2)
	if _, err := nav.Next(); err != nil {
		t.Fatal(err)
	}
	if pos := nav.Position(); pos.QuestionIndex != 2 {
		t.Fatalf("position %+v", pos)
	}

	// 回到上一题不受门控
	if err := nav.Previous(); err != nil {
		t.Fatal(err)
	}
	if _, err := nav.Next(); err != nil {
		t.Fatal(err)
	}

	// 最后一题未作答，part 还差 1 题
	_, err := nav.Next()
	var gate *GatingError
	if !errors.As(err, &gate) || gate.Unanswered != 1 {
		t.Fatalf("Next on last unanswered = %v", err)
	}

	answer(t, m, "r3", 1)
	if move, err := nav.Next(); err != nil || move != MovePartEnd {
		t.Fatalf("Next at part end = %v, %v", move, err)
	}
	if err := nav.Previous(); !errors.Is(err, ErrPartBoundary) {
		t.Fatalf("Previous while awaiting next part = %v", err)
	}
	if err := nav.MoveToNextPart(); err != nil {
		t.Fatal(err)
	}
	if err := nav.Previous(); !errors.Is(err, ErrPartBoundary) {
		t.Fatalf("Previous across part boundary = %v", err)
	}
	if err := nav.MoveToNextPart(); !errors.Is(err, ErrNotAtPartEnd) {
		t.Fatalf("MoveToNextPart mid part = %v", err)
	}

	answer(t, m, "r4", 3)
	if move, err := nav.Next(); err != nil || move != MoveFinished {
		t.Fatalf("Next on final question = %v, %v", move, err)
	}
	if !nav.Position().Finished {
		t.Fatal("navigator not finished")
	}
}

func TestNavigatorPartGateCountsWholePart(t *testing.T) {
	part := choicePart("1", SkillListening, "l1", "l2", "l3")
	nav, m := newTestNavigator(part)

	// 只答了 2/3，超时推进到最后一题后仍不能离开该 part
	answer(t, m, "l1", 1)
	nav.Next()
	if move := nav.AdvanceAfterTimeout("l2"); move != MoveQuestion {
		t.Fatalf("AdvanceAfterTimeout = %v", move)
	}
	answer(t, m, "l3", 1)
	_, err := nav.CompletePart()
	var gate *GatingError
	if !errors.As(err, &gate) || gate.Unanswered != 1 {
		t.Fatalf("CompletePart with 2/3 answered = %v", err)
	}
}

func TestNavigatorAdvanceAfterTimeoutIgnoresStaleToken(t *testing.T) {
	nav, _ := newTestNavigator(choicePart("1", SkillListening, "l1", "l2"))
	if move := nav.AdvanceAfterTimeout("l2"); move != MoveNone {
		t.Fatalf("stale timeout moved navigator: %v", move)
	}
	if move := nav.AdvanceAfterTimeout("l1"); move != MoveQuestion {
		t.Fatalf("AdvanceAfterTimeout = %v", move)
	}
	if move := nav.AdvanceAfterTimeout("l2"); move != MoveFinished {
		t.Fatalf("AdvanceAfterTimeout on last question = %v", move)
	}
}

func TestNavigatorFreeResponseCompletion(t *testing.T) {
	writing := Part{ID: "7", Skill: SkillWriting, Questions: []Question{{ID: "w1"}, {ID: "w2"}}}
	nav, m := newTestNavigator(writing, choicePart("1", SkillReading, "r1"))

	if _, err := nav.Next(); !errors.Is(err, ErrAnswerRequired) {
		t.Fatalf("reading part should come first: %v", err)
	}
	answer(t, m, "r1", 1)
	if move, _ := nav.Next(); move != MovePartEnd {
		t.Fatalf("move = %v", move)
	}
	nav.MoveToNextPart()

	// 自由作答 part 内部前进不做门控
	if move, err := nav.Next(); err != nil || move != MoveQuestion {
		t.Fatalf("free-response Next = %v, %v", move, err)
	}
	if _, err := nav.CompletePart(); !errors.Is(err, ErrPartIncomplete) {
		t.Fatalf("CompletePart before submit = %v", err)
	}
	for _, id := range []string{"w1", "w2"} {
		m.Update(id, To(LifecycleReady).WithAnswer(RawAnswer{Text: "text"}))
		m.Update(id, To(LifecycleSubmitted))
	}
	if move, err := nav.CompletePart(); err != nil || move != MoveFinished {
		t.Fatalf("CompletePart = %v, %v", move, err)
	}
}

func TestNavigatorPromptGroups(t *testing.T) {
	part := Part{ID: "1", Skill: SkillReading, Questions: []Question{
		{ID: "a", PromptID: "p1"},
		{ID: "b", PromptID: "p2"},
		{ID: "c", PromptID: "p1"},
	}}
	nav, m := newTestNavigator(part)

	group := nav.CurrentGroup()
	if len(group) != 2 || group[0].ID != "a" || group[1].ID != "c" {
		t.Fatalf("first group = %+v", group)
	}
	answer(t, m, "a", 1)
	_, err := nav.Next()
	var gate *GatingError
	if !errors.As(err, &gate) || gate.Unanswered != 1 {
		t.Fatalf("Next with half the group answered = %v", err)
	}
	answer(t, m, "c", 1)
	if _, err := nav.Next(); err != nil {
		t.Fatal(err)
	}
	if _, q, _ := nav.Current(); q.ID != "b" {
		t.Fatalf("current = %s, want b", q.ID)
	}
}

func TestNavigatorRestore(t *testing.T) {
	nav, _ := newTestNavigator(choicePart("1", SkillReading, "r1", "r2"), choicePart("2", SkillReading, "r3"))
	if err := nav.Restore(Position{PartIndex: 1, QuestionIndex: 0}); err != nil {
		t.Fatal(err)
	}
	if nav.FlatIndex() != 2 {
		t.Fatalf("FlatIndex = %d", nav.FlatIndex())
	}
	if err := nav.Restore(Position{PartIndex: 5}); err == nil {
		t.Fatal("Restore accepted out of range part")
	}
}

func TestNavigatorSkipsEmptyParts(t *testing.T) {
	nav, m := newTestNavigator(
		Part{ID: "1", Skill: SkillListening},
		choicePart("2", SkillReading, "r1"),
		Part{ID: "3", Skill: SkillWriting},
	)
	if len(nav.Parts()) != 1 {
		t.Fatalf("parts = %+v", nav.Parts())
	}
	if group := nav.CurrentGroup(); len(group) != 1 || group[0].ID != "r1" {
		t.Fatalf("current group = %+v", group)
	}
	answer(t, m, "r1", 1)
	if move, err := nav.Next(); err != nil || move != MoveFinished {
		t.Fatalf("Next = %v, %v", move, err)
	}

	empty, _ := newTestNavigator(Part{ID: "1", Skill: SkillReading})
	if !empty.Position().Finished {
		t.Fatal("navigator without questions should start finished")
	}
	if _, err := empty.Next(); !errors.Is(err, ErrFinished) {
		t.Fatalf("Next on empty exam = %v", err)
	}
}

func TestNavigatorRolledBackChoiceIsNotAnswered(t *testing.T) {
	nav, m := newTestNavigator(choicePart("1", SkillReading, "r1", "r2"))
	answer(t, m, "r1", 2)
	m.Update("r1", To(LifecycleScoring))
	if _, err := m.Update("r1", To(LifecycleReady).WithError("persist failed")); err != nil {
		t.Fatal(err)
	}
	if _, err := nav.Next(); !errors.Is(err, ErrAnswerRequired) {
		t.Fatalf("Next after rollback = %v, want ErrAnswerRequired", err)
	}
	m.Update("r1", To(LifecycleSubmitted))
	if move, err := nav.Next(); err != nil || move != MoveQuestion {
		t.Fatalf("Next after resubmit = %v, %v", move, err)
	}
}
