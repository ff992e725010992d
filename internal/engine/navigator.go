package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Move 导航操作的结果
type Move string

const (
	MoveNone     Move = "none"
	MoveQuestion Move = "question"
	MovePartEnd  Move = "part_end"
	MoveFinished Move = "finished"
)

type Position struct {
	PartIndex        int  `json:"partIndex"`
	QuestionIndex    int  `json:"questionIndex"`
	AwaitingNextPart bool `json:"awaitingNextPart"`
	Finished         bool `json:"finished"`
}

// StateView 导航门控只读题目状态
type StateView interface {
	Get(questionID string) (QuestionState, bool)
}

// SortParts 按技能优先级再按 part id 排序，返回新切片
func SortParts(parts []Part) []Part {
	out := append([]Part(nil), parts...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Skill.Priority(), out[j].Skill.Priority()
		if pi != pj {
			return pi < pj
		}
		return comparePartIDs(out[i].ID, out[j].ID) < 0
	})
	return out
}

// groupQuestions 同一 promptId 的题目作为一个导航单元，按首次出现顺序
func groupQuestions(qs []Question) [][]int {
	var groups [][]int
	byPrompt := make(map[string]int)
	for i, q := range qs {
		if q.PromptID == "" {
			groups = append(groups, []int{i})
			continue
		}
		if g, ok := byPrompt[q.PromptID]; ok {
			groups[g] = append(groups[g], i)
			continue
		}
		byPrompt[q.PromptID] = len(groups)
		groups = append(groups, []int{i})
	}
	return groups
}

type Navigator struct {
	mu     sync.RWMutex
	parts  []Part
	groups [][][]int
	unit   int
	pos    Position
	view   StateView
}

// NewNavigator 没有题目的 part 不参与导航
func NewNavigator(parts []Part, view StateView) *Navigator {
	var nonEmpty []Part
	for _, p := range parts {
		if len(p.Questions) > 0 {
			nonEmpty = append(nonEmpty, p)
		}
	}
	n := &Navigator{parts: SortParts(nonEmpty), view: view}
	n.groups = make([][][]int, len(n.parts))
	for i, p := range n.parts {
		n.groups[i] = groupQuestions(p.Questions)
	}
	if len(n.parts) == 0 {
		n.pos.Finished = true
	}
	return n
}

func (n *Navigator) Parts() []Part {
	return n.parts
}

func (n *Navigator) Position() Position {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pos
}

// Current 当前 part 与当前单元的第一道题
func (n *Navigator) Current() (Part, Question, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentLocked()
}

func (n *Navigator) currentLocked() (Part, Question, bool) {
	if n.pos.Finished || n.pos.PartIndex >= len(n.parts) {
		return Part{}, Question{}, false
	}
	p := n.parts[n.pos.PartIndex]
	if n.pos.QuestionIndex >= len(p.Questions) {
		return p, Question{}, false
	}
	return p, p.Questions[n.pos.QuestionIndex], true
}

// CurrentGroup 当前单元内的全部题目
func (n *Navigator) CurrentGroup() []Question {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.pos.Finished || n.pos.PartIndex >= len(n.parts) {
		return nil
	}
	p := n.parts[n.pos.PartIndex]
	var out []Question
	for _, i := range n.groups[n.pos.PartIndex][n.unit] {
		out = append(out, p.Questions[i])
	}
	return out
}

// Locate 按题目 id 找到所在 part
func (n *Navigator) Locate(questionID string) (Part, Question, bool) {
	for _, p := range n.parts {
		for _, q := range p.Questions {
			if q.ID == questionID {
				return p, q, true
			}
		}
	}
	return Part{}, Question{}, false
}

// FlatIndex 全场考试中的题目序号，用于进度上报
func (n *Navigator) FlatIndex() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	idx := 0
	for i := 0; i < n.pos.PartIndex && i < len(n.parts); i++ {
		idx += len(n.parts[i].Questions)
	}
	return idx + n.pos.QuestionIndex
}

// Restore 恢复保存的位置；越界时回到开头
func (n *Navigator) Restore(pos Position) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if pos.Finished {
		n.pos = Position{Finished: true}
		return nil
	}
	if pos.PartIndex < 0 || pos.PartIndex >= len(n.parts) {
		return fmt.Errorf("part index %d out of range", pos.PartIndex)
	}
	groups := n.groups[pos.PartIndex]
	for u, g := range groups {
		for _, qi := range g {
			if qi == pos.QuestionIndex {
				n.unit = u
				n.pos = Position{
					PartIndex:        pos.PartIndex,
					QuestionIndex:    g[0],
					AwaitingNextPart: pos.AwaitingNextPart,
				}
				return nil
			}
		}
	}
	return fmt.Errorf("question index %d out of range", pos.QuestionIndex)
}

func (n *Navigator) recorded(qid string) bool {
	st, ok := n.view.Get(qid)
	return ok && st.HasRecordedAnswer()
}

func (n *Navigator) submitted(qid string) bool {
	st, ok := n.view.Get(qid)
	return ok && st.Lifecycle.AtLeastSubmitted()
}

func (n *Navigator) countMissing(part int, indices []int, done func(string) bool) int {
	missing := 0
	for _, i := range indices {
		if !done(n.parts[part].Questions[i].ID) {
			missing++
		}
	}
	return missing
}

func allIndices(p Part) []int {
	out := make([]int, len(p.Questions))
	for i := range out {
		out[i] = i
	}
	return out
}

func (n *Navigator) Next() (Move, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pos.Finished {
		return MoveNone, ErrFinished
	}
	if n.pos.AwaitingNextPart {
		return MoveNone, nil
	}
	pi := n.pos.PartIndex
	part := n.parts[pi]
	last := n.unit == len(n.groups[pi])-1

	if part.Skill.IsMultipleChoice() {
		if missing := n.countMissing(pi, n.groups[pi][n.unit], n.recorded); missing > 0 {
			return MoveNone, gating(ErrAnswerRequired, missing)
		}
		if !last {
			n.setUnitLocked(n.unit + 1)
			return MoveQuestion, nil
		}
		if missing := n.countMissing(pi, allIndices(part), n.recorded); missing > 0 {
			return MoveNone, gating(ErrPartIncomplete, missing)
		}
		return n.endPartLocked(), nil
	}

	if !last {
		n.setUnitLocked(n.unit + 1)
		return MoveQuestion, nil
	}
	if missing := n.countMissing(pi, allIndices(part), n.submitted); missing > 0 {
		return MoveNone, gating(ErrPartIncomplete, missing)
	}
	return n.endPartLocked(), nil
}

func (n *Navigator) Previous() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pos.Finished {
		return ErrFinished
	}
	if n.pos.AwaitingNextPart {
		return ErrPartBoundary
	}
	if n.unit > 0 {
		n.setUnitLocked(n.unit - 1)
		return nil
	}
	if n.pos.PartIndex > 0 {
		return ErrPartBoundary
	}
	return ErrAtStart
}

// MoveToNextPart 只在当前 part 结束、等待确认时生效
func (n *Navigator) MoveToNextPart() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pos.Finished {
		return ErrFinished
	}
	if !n.pos.AwaitingNextPart {
		return ErrNotAtPartEnd
	}
	n.pos = Position{PartIndex: n.pos.PartIndex + 1}
	n.unit = 0
	return nil
}

// CompletePart 作答组件报告当前 part 完成
func (n *Navigator) CompletePart() (Move, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pos.Finished {
		return MoveNone, ErrFinished
	}
	if n.pos.AwaitingNextPart {
		return MoveNone, nil
	}
	pi := n.pos.PartIndex
	part := n.parts[pi]
	done := n.submitted
	if part.Skill.IsMultipleChoice() {
		done = n.recorded
	}
	if missing := n.countMissing(pi, allIndices(part), done); missing > 0 {
		return MoveNone, gating(ErrPartIncomplete, missing)
	}
	return n.endPartLocked(), nil
}

// AdvanceAfterTimeout 超时后前进一题，不做门控；questionID 不是当前题时忽略
func (n *Navigator) AdvanceAfterTimeout(questionID string) Move {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, q, ok := n.currentLocked()
	if !ok || n.pos.AwaitingNextPart || q.ID != questionID {
		return MoveNone
	}
	pi := n.pos.PartIndex
	if n.unit < len(n.groups[pi])-1 {
		n.setUnitLocked(n.unit + 1)
		return MoveQuestion
	}
	return n.endPartLocked()
}

func (n *Navigator) setUnitLocked(u int) {
	n.unit = u
	n.pos.QuestionIndex = n.groups[n.pos.PartIndex][u][0]
}

func (n *Navigator) endPartLocked() Move {
	if n.pos.PartIndex == len(n.parts)-1 {
		n.pos.Finished = true
		return MoveFinished
	}
	n.pos.AwaitingNextPart = true
	return MovePartEnd
}

// Finish 强制结束（例如放弃或手动交卷）
func (n *Navigator) Finish() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pos.Finished = true
}
