package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/model"
	"exam_session_engine/internal/util"
	"exam_session_engine/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AttemptStore 作答记录持久化，由 repository.AttemptRepository 实现
type AttemptStore interface {
	Create(ctx context.Context, attempt *model.ExamAttempt) error
	FindByID(ctx context.Context, id string) (*model.ExamAttempt, error)
	FindOpen(ctx context.Context, userID string, examID uint) (*model.ExamAttempt, error)
	UpdateProgress(ctx context.Context, id string, index int) error
	End(ctx context.Context, id string, total decimal.Decimal, end time.Time) error
	MarkAbandoned(ctx context.Context, id string, end time.Time) error
	UpsertAnswer(ctx context.Context, ans *model.AttemptAnswer) error
	ListAnswers(ctx context.Context, attemptID string) ([]model.AttemptAnswer, error)
	CountQuestions(ctx context.Context, examID uint) (int64, error)
}

// AttemptService 考试作答的生命周期：开始、进度、结束、汇总，以及逐题得分入库
type AttemptService struct {
	repo AttemptStore
	now  func() time.Time
}

func NewAttemptService(repo AttemptStore) *AttemptService {
	return &AttemptService{repo: repo, now: time.Now}
}

// StartAttempt 创建新的作答；用户在该考试上已有未结束的作答时直接续作
func (s *AttemptService) StartAttempt(ctx context.Context, userID string, examID uint) (*model.ExamAttempt, bool, error) {
	open, err := s.repo.FindOpen(ctx, userID, examID)
	if err == nil {
		return open, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	attempt := &model.ExamAttempt{
		ExamID:    examID,
		UserID:    userID,
		Status:    model.AttemptStatusInProgress,
		StartTime: s.now(),
	}
	if err := s.repo.Create(ctx, attempt); err != nil {
		return nil, false, err
	}
	logger.Log.Info("attempt started",
		zap.String("attemptId", attempt.ID),
		zap.String("userId", userID),
		zap.Uint("examId", examID))
	return attempt, false, nil
}

// Get 读取作答并校验归属
func (s *AttemptService) Get(ctx context.Context, attemptID, userID string) (*model.ExamAttempt, error) {
	attempt, err := s.repo.FindByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrAttemptNotFound
		}
		return nil, err
	}
	if userID != "" && attempt.UserID != userID {
		return nil, util.ErrPermissionDenied
	}
	return attempt, nil
}

func (s *AttemptService) EndAttempt(ctx context.Context, attemptID string, totalScore float64, endTime time.Time) error {
	total := decimal.NewFromFloat(totalScore).Round(2)
	if err := s.repo.End(ctx, attemptID, total, endTime); err != nil {
		return fmt.Errorf("end attempt %s: %w", attemptID, err)
	}
	return nil
}

// Finalize 汇总逐题得分。总分与正确率以入库记录为准
func (s *AttemptService) Finalize(ctx context.Context, attemptID string) (*engine.FinalizeResult, error) {
	attempt, err := s.Get(ctx, attemptID, "")
	if err != nil {
		return nil, err
	}
	answers, err := s.repo.ListAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	totalQuestions, err := s.repo.CountQuestions(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}
	return summarize(attempt, answers, int(totalQuestions), s.now()), nil
}

func summarize(attempt *model.ExamAttempt, answers []model.AttemptAnswer, totalQuestions int, now time.Time) *engine.FinalizeResult {
	total := decimal.Zero
	var correct, incorrect int
	for _, a := range answers {
		total = total.Add(a.Score)
		if a.IsCorrect == nil {
			continue
		}
		if *a.IsCorrect {
			correct++
		} else {
			incorrect++
		}
	}

	percent := decimal.Zero
	if totalQuestions > 0 {
		percent = decimal.NewFromInt(int64(correct)).
			Div(decimal.NewFromInt(int64(totalQuestions))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	end := now
	if attempt.EndTime != nil {
		end = *attempt.EndTime
	}
	return &engine.FinalizeResult{
		TotalScore:       total.Round(2).InexactFloat64(),
		TotalQuestions:   totalQuestions,
		CorrectAnswers:   correct,
		IncorrectAnswers: incorrect,
		PercentCorrect:   percent.InexactFloat64(),
		StartTime:        attempt.StartTime,
		EndTime:          end,
		Duration:         end.Sub(attempt.StartTime),
	}
}

func (s *AttemptService) SaveProgress(ctx context.Context, attemptID string, currentQuestionIndex int) error {
	return s.repo.UpdateProgress(ctx, attemptID, currentQuestionIndex)
}

func (s *AttemptService) Abandon(ctx context.Context, attemptID string) error {
	return s.repo.MarkAbandoned(ctx, attemptID, s.now())
}

// storedAnswer 入库的作答内容，不含录音原始数据
type storedAnswer struct {
	OptionID *int    `json:"optionId,omitempty"`
	Text     string  `json:"text,omitempty"`
	AudioURL string  `json:"audioUrl,omitempty"`
	Duration float64 `json:"durationSeconds,omitempty"`
	TimedOut bool    `json:"timedOut,omitempty"`
}

type storedFeedback struct {
	Message  string                `json:"message,omitempty"`
	Speaking *engine.SpeakingScore `json:"speaking,omitempty"`
	Writing  *engine.WritingScore  `json:"writing,omitempty"`
}

// RecordAnswer 评分结果写入答题记录，重复评分覆盖
func (s *AttemptService) RecordAnswer(ctx context.Context, req engine.ScoreRequest, res *engine.ScoreResult) error {
	ans := storedAnswer{
		OptionID: req.Answer.OptionID,
		Text:     req.Answer.Text,
		TimedOut: req.Answer.TimedOut,
	}
	audioURL := ""
	if req.Answer.Audio != nil {
		audioURL = req.Answer.Audio.URL
		ans.Duration = req.Answer.Audio.DurationSeconds
	}
	if audioURL == "" && res.Speaking != nil {
		audioURL = res.Speaking.SavedAudioURL
	}
	ans.AudioURL = audioURL

	answerJSON, err := json.Marshal(ans)
	if err != nil {
		return err
	}
	feedbackJSON, err := json.Marshal(storedFeedback{Message: res.Message, Speaking: res.Speaking, Writing: res.Writing})
	if err != nil {
		return err
	}

	return s.repo.UpsertAnswer(ctx, &model.AttemptAnswer{
		AttemptID:  req.AttemptID,
		QuestionID: util.MustParseUint(req.Question.ID),
		PartID:     util.MustParseUint(req.PartID),
		Skill:      string(req.Skill),
		Answer:     datatypes.JSON(answerJSON),
		Score:      decimal.NewFromFloat(res.Score),
		IsCorrect:  res.IsCorrect,
		Feedback:   datatypes.JSON(feedbackJSON),
		AudioURL:   audioURL,
		ScoredAt:   s.now(),
	})
}
