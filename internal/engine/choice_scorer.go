package engine

import (
	"context"
	"fmt"
)

// ChoiceScorer 按标准答案本地判分，正确得题目权重分
type ChoiceScorer struct{}

func (ChoiceScorer) Score(_ context.Context, req ScoreRequest) (*ScoreResult, error) {
	if req.Answer.OptionID == nil {
		return nil, ErrEmptyAnswer
	}
	if req.Question.CorrectOptionID == nil {
		return nil, fmt.Errorf("question %s has no answer key", req.Question.ID)
	}
	correct := *req.Answer.OptionID == *req.Question.CorrectOptionID
	res := &ScoreResult{IsCorrect: boolPtr(correct)}
	if correct {
		res.Score = req.Question.ScoreWeight()
		res.Message = "correct"
	} else {
		res.Message = "incorrect"
	}
	return res, nil
}
