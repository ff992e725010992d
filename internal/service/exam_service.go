package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/model"
	"exam_session_engine/internal/util"

	"gorm.io/gorm"
)

type examFinder interface {
	FindByID(id uint) (*model.Exam, error)
	ListPublished() ([]model.Exam, error)
}

// ExamSummary 考试列表项
type ExamSummary struct {
	ID          uint   `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ExamService 把题库模型转换成引擎使用的 part 列表，按考试缓存
type ExamService struct {
	repo  examFinder
	mu    sync.RWMutex
	parts map[uint][]engine.Part
}

func NewExamService(repo examFinder) *ExamService {
	return &ExamService{repo: repo, parts: make(map[uint][]engine.Part)}
}

func (s *ExamService) List() ([]ExamSummary, error) {
	exams, err := s.repo.ListPublished()
	if err != nil {
		return nil, err
	}
	out := make([]ExamSummary, 0, len(exams))
	for _, e := range exams {
		out = append(out, ExamSummary{ID: e.ID, Code: e.Code, Title: e.Title, Description: e.Description})
	}
	return out, nil
}

// Parts 返回考试的 part 列表（未排序，排序由导航器负责）
func (s *ExamService) Parts(examID uint) ([]engine.Part, error) {
	s.mu.RLock()
	parts, ok := s.parts[examID]
	s.mu.RUnlock()
	if ok {
		return append([]engine.Part(nil), parts...), nil
	}

	exam, err := s.repo.FindByID(examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrExamNotFound
		}
		return nil, err
	}
	parts, err = ToEngineParts(exam)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.parts[examID] = parts
	s.mu.Unlock()
	return append([]engine.Part(nil), parts...), nil
}

// Invalidate 题库重新导入后清除缓存
func (s *ExamService) Invalidate(examID uint) {
	s.mu.Lock()
	delete(s.parts, examID)
	s.mu.Unlock()
}

func ToEngineParts(exam *model.Exam) ([]engine.Part, error) {
	parts := make([]engine.Part, 0, len(exam.Parts))
	for _, p := range exam.Parts {
		part := engine.Part{
			ID:    util.FormatUint(p.ID),
			Code:  p.Code,
			Title: p.Title,
			Skill: engine.ParseSkill(p.Skill),
		}
		for _, q := range p.Questions {
			eq := engine.Question{
				ID:                util.FormatUint(q.ID),
				PromptID:          q.PromptID,
				Prompt:            q.Prompt,
				CorrectOptionID:   q.CorrectOptionID,
				Weight:            q.Weight.InexactFloat64(),
				TimeSeconds:       q.TimeSeconds,
				PartNumber:        q.PartNumber,
				PictureCaption:    q.PictureCaption,
				VocabularyRequest: q.VocabularyRequest,
			}
			if len(q.Options) > 0 {
				if err := json.Unmarshal(q.Options, &eq.Options); err != nil {
					return nil, fmt.Errorf("question %d options: %w", q.ID, err)
				}
			}
			part.Questions = append(part.Questions, eq)
		}
		if len(part.Questions) == 0 {
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("exam %d has no questions", exam.ID)
	}
	return parts, nil
}
