package engine

import (
	"strconv"
	"strings"
	"time"
)

// Lifecycle 单题作答生命周期
type Lifecycle string

const (
	LifecycleNotStarted Lifecycle = "not_started"
	LifecycleInProgress Lifecycle = "in_progress"
	LifecycleReady      Lifecycle = "ready"
	LifecycleSubmitted  Lifecycle = "submitted"
	LifecycleScoring    Lifecycle = "scoring"
	LifecycleScored     Lifecycle = "scored"
	LifecycleFailed     Lifecycle = "failed"
)

// AtLeastSubmitted 已提交或之后的状态（不含 failed）
func (l Lifecycle) AtLeastSubmitted() bool {
	return l == LifecycleSubmitted || l == LifecycleScoring || l == LifecycleScored
}

// answerFrozen 进入评分流程后原始答案不可再改
func (l Lifecycle) answerFrozen() bool {
	return l.AtLeastSubmitted()
}

type Modality string

const (
	ModalityChoice Modality = "multiple_choice"
	ModalityText   Modality = "text"
	ModalitySpeech Modality = "speech"
)

type SkillType string

const (
	SkillListening SkillType = "listening"
	SkillReading   SkillType = "reading"
	SkillSpeaking  SkillType = "speaking"
	SkillWriting   SkillType = "writing"
)

func ParseSkill(s string) SkillType {
	return SkillType(strings.ToLower(strings.TrimSpace(s)))
}

// Priority 固定技能顺序：listening < reading < speaking < writing < 其他
func (s SkillType) Priority() int {
	switch s {
	case SkillListening:
		return 1
	case SkillReading:
		return 2
	case SkillSpeaking:
		return 3
	case SkillWriting:
		return 4
	default:
		return 5
	}
}

func (s SkillType) IsMultipleChoice() bool {
	return s == SkillListening || s == SkillReading
}

func (s SkillType) Modality() Modality {
	switch s {
	case SkillSpeaking:
		return ModalitySpeech
	case SkillWriting:
		return ModalityText
	default:
		return ModalityChoice
	}
}

type Option struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type Question struct {
	ID       string   `json:"id"`
	PromptID string   `json:"promptId,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
	Options  []Option `json:"options,omitempty"`
	// 正确选项不下发给客户端
	CorrectOptionID   *int    `json:"-"`
	Weight            float64 `json:"weight"`
	TimeSeconds       int     `json:"timeSeconds"`
	PartNumber        int     `json:"partNumber,omitempty"`
	PictureCaption    string  `json:"pictureCaption,omitempty"`
	VocabularyRequest string  `json:"vocabularyRequest,omitempty"`
}

// ScoreWeight 未配置权重时按 1 计
func (q Question) ScoreWeight() float64 {
	if q.Weight <= 0 {
		return 1
	}
	return q.Weight
}

func (q Question) HasOption(id int) bool {
	if len(q.Options) == 0 {
		return true
	}
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

type Part struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	Title     string     `json:"title"`
	Skill     SkillType  `json:"skill"`
	Questions []Question `json:"questions"`
}

// TotalTime 选择题 part 的总时长为各题时长之和
func (p Part) TotalTime() int {
	total := 0
	for _, q := range p.Questions {
		total += q.TimeSeconds
	}
	return total
}

func (p Part) Modality() Modality { return p.Skill.Modality() }

type AttemptInfo struct {
	AttemptID string    `json:"attemptId"`
	UserID    string    `json:"userId"`
	ExamID    string    `json:"examId"`
	StartTime time.Time `json:"startTime"`
}

type AudioClip struct {
	Data            []byte  `json:"data,omitempty"`
	Size            int64   `json:"size"`
	DurationSeconds float64 `json:"durationSeconds"`
	ContentType     string  `json:"contentType,omitempty"`
	URL             string  `json:"url,omitempty"`
}

// RawAnswer 按作答方式不同只填其中一项；TimedOut 表示超时未作答
type RawAnswer struct {
	OptionID *int       `json:"optionId,omitempty"`
	Text     string     `json:"text,omitempty"`
	Audio    *AudioClip `json:"audio,omitempty"`
	TimedOut bool       `json:"timedOut,omitempty"`
}

func (a *RawAnswer) IsEmpty() bool {
	if a == nil {
		return true
	}
	return a.OptionID == nil && strings.TrimSpace(a.Text) == "" && a.Audio == nil && !a.TimedOut
}

func (a *RawAnswer) clone() *RawAnswer {
	if a == nil {
		return nil
	}
	c := *a
	if a.OptionID != nil {
		v := *a.OptionID
		c.OptionID = &v
	}
	if a.Audio != nil {
		clip := *a.Audio
		if a.Audio.Data != nil {
			clip.Data = append([]byte(nil), a.Audio.Data...)
		}
		c.Audio = &clip
	}
	return &c
}

type SpeakingScore struct {
	Transcript    string  `json:"transcript"`
	SavedAudioURL string  `json:"savedAudioUrl"`
	Overall       float64 `json:"overall"`
	Pronunciation float64 `json:"pronunciation"`
	Accuracy      float64 `json:"accuracy"`
	Fluency       float64 `json:"fluency"`
	Completeness  float64 `json:"completeness"`
	Grammar       float64 `json:"grammar"`
	Vocabulary    float64 `json:"vocabulary"`
	Content       float64 `json:"content"`
}

type WritingScore struct {
	TotalScore              float64 `json:"totalScore"`
	GrammarFeedback         string  `json:"grammarFeedback"`
	VocabularyFeedback      string  `json:"vocabularyFeedback"`
	RequiredWordsCheck      string  `json:"requiredWordsCheck"`
	ContentAccuracyFeedback string  `json:"contentAccuracyFeedback"`
	CorrectedAnswerProposal string  `json:"correctedAnswerProposal"`
}

type ScoreResult struct {
	Score     float64        `json:"score"`
	IsCorrect *bool          `json:"isCorrect,omitempty"`
	Message   string         `json:"message,omitempty"`
	Speaking  *SpeakingScore `json:"speaking,omitempty"`
	Writing   *WritingScore  `json:"writing,omitempty"`
}

func (r *ScoreResult) clone() *ScoreResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.IsCorrect != nil {
		v := *r.IsCorrect
		c.IsCorrect = &v
	}
	if r.Speaking != nil {
		s := *r.Speaking
		c.Speaking = &s
	}
	if r.Writing != nil {
		w := *r.Writing
		c.Writing = &w
	}
	return &c
}

type QuestionState struct {
	QuestionID   string       `json:"questionId"`
	Lifecycle    Lifecycle    `json:"lifecycle"`
	RawAnswer    *RawAnswer   `json:"rawAnswer,omitempty"`
	ScoreResult  *ScoreResult `json:"scoreResult,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Submitted    bool         `json:"submitted"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func (s QuestionState) clone() QuestionState {
	s.RawAnswer = s.RawAnswer.clone()
	s.ScoreResult = s.ScoreResult.clone()
	return s
}

// HasRecordedAnswer 选择题导航门控使用：选项或超时记录已进入评分流程。
// 回滚到 ready 的选择不算作答。
func (s QuestionState) HasRecordedAnswer() bool {
	if !s.Lifecycle.AtLeastSubmitted() || s.RawAnswer.IsEmpty() {
		return false
	}
	return s.RawAnswer.OptionID != nil || s.RawAnswer.TimedOut
}

// FinalizeResult 整场考试结算结果
type FinalizeResult struct {
	TotalScore       float64       `json:"totalScore"`
	TotalQuestions   int           `json:"totalQuestions"`
	CorrectAnswers   int           `json:"correctAnswers"`
	IncorrectAnswers int           `json:"incorrectAnswers"`
	PercentCorrect   float64       `json:"percentCorrect"`
	StartTime        time.Time     `json:"startTime"`
	EndTime          time.Time     `json:"endTime"`
	Duration         time.Duration `json:"duration"`
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }
func lifecyclePtr(l Lifecycle) *Lifecycle {
	return &l
}

// comparePartIDs 数字 id 按数值比较，否则按字符串比较
func comparePartIDs(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
