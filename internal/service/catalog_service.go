package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"exam_session_engine/internal/model"
	"exam_session_engine/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CatalogFile 题库 YAML 文件的结构
type CatalogFile struct {
	Code        string        `yaml:"code"`
	Title       string        `yaml:"title"`
	Description string        `yaml:"description"`
	Published   *bool         `yaml:"published"`
	Parts       []CatalogPart `yaml:"parts"`
}

type CatalogPart struct {
	Code      string            `yaml:"code"`
	Title     string            `yaml:"title"`
	Skill     string            `yaml:"skill"`
	Questions []CatalogQuestion `yaml:"questions"`
}

type CatalogQuestion struct {
	PromptID          string          `yaml:"promptId"`
	Prompt            string          `yaml:"prompt"`
	Options           []CatalogOption `yaml:"options"`
	Correct           *int            `yaml:"correct"`
	Weight            float64         `yaml:"weight"`
	TimeSeconds       int             `yaml:"timeSeconds"`
	PartNumber        int             `yaml:"partNumber"`
	PictureCaption    string          `yaml:"pictureCaption"`
	VocabularyRequest string          `yaml:"vocabularyRequest"`
}

type CatalogOption struct {
	ID   int    `yaml:"id" json:"id"`
	Text string `yaml:"text" json:"text"`
}

type catalogWriter interface {
	FindByCode(code string) (*model.Exam, error)
	ReplaceByCode(exam *model.Exam) error
}

// CatalogService 从 YAML 目录导入考试题库
type CatalogService struct {
	repo  catalogWriter
	exams *ExamService
}

func NewCatalogService(repo catalogWriter, exams *ExamService) *CatalogService {
	return &CatalogService{repo: repo, exams: exams}
}

// ImportResult 一次导入的统计
type ImportResult struct {
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped"`
}

// ImportDir 导入目录下全部 .yaml/.yml 文件。
// 已存在的考试默认跳过，force 时整体替换（题目 id 会变化，进行中的作答需先结束）
func (s *CatalogService) ImportDir(dir string, force bool) (*ImportResult, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	res := &ImportResult{}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return res, err
		}
		exam, err := ParseCatalog(data)
		if err != nil {
			return res, fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		imported, err := s.Import(exam, force)
		if err != nil {
			return res, fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		if imported {
			res.Imported = append(res.Imported, exam.Code)
		} else {
			res.Skipped = append(res.Skipped, exam.Code)
		}
	}
	logger.Log.Info("catalog import finished",
		zap.String("dir", dir),
		zap.Strings("imported", res.Imported),
		zap.Strings("skipped", res.Skipped))
	return res, nil
}

func (s *CatalogService) Import(exam *model.Exam, force bool) (bool, error) {
	existing, err := s.repo.FindByCode(exam.Code)
	switch {
	case err == nil && !force:
		return false, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return false, err
	}
	if err := s.repo.ReplaceByCode(exam); err != nil {
		return false, err
	}
	if existing != nil && s.exams != nil {
		s.exams.Invalidate(existing.ID)
	}
	return true, nil
}

// ParseCatalog 解析并校验单个题库文件
func ParseCatalog(data []byte) (*model.Exam, error) {
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if strings.TrimSpace(f.Code) == "" {
		return nil, errors.New("catalog: code is required")
	}
	if len(f.Parts) == 0 {
		return nil, fmt.Errorf("catalog %s: no parts", f.Code)
	}

	exam := &model.Exam{
		Code:        f.Code,
		Title:       f.Title,
		Description: f.Description,
		IsPublished: f.Published == nil || *f.Published,
	}
	if exam.Title == "" {
		exam.Title = f.Code
	}
	for pi, p := range f.Parts {
		switch p.Skill {
		case "listening", "reading", "speaking", "writing":
		default:
			return nil, fmt.Errorf("catalog %s part %d: unknown skill %q", f.Code, pi+1, p.Skill)
		}
		if len(p.Questions) == 0 {
			return nil, fmt.Errorf("catalog %s part %d: no questions", f.Code, pi+1)
		}
		part := model.ExamPart{Code: p.Code, Title: p.Title, Skill: p.Skill, Order: pi}
		for qi, q := range p.Questions {
			eq, err := catalogQuestion(p.Skill, q, qi)
			if err != nil {
				return nil, fmt.Errorf("catalog %s part %s question %d: %w", f.Code, p.Code, qi+1, err)
			}
			part.Questions = append(part.Questions, eq)
		}
		exam.Parts = append(exam.Parts, part)
	}
	return exam, nil
}

func catalogQuestion(skill string, q CatalogQuestion, order int) (model.ExamQuestion, error) {
	eq := model.ExamQuestion{
		PromptID:          q.PromptID,
		Prompt:            q.Prompt,
		CorrectOptionID:   q.Correct,
		Weight:            decimal.NewFromInt(1),
		TimeSeconds:       q.TimeSeconds,
		PartNumber:        q.PartNumber,
		PictureCaption:    q.PictureCaption,
		VocabularyRequest: q.VocabularyRequest,
		Order:             order,
	}
	if q.Weight > 0 {
		eq.Weight = decimal.NewFromFloat(q.Weight)
	}

	if skill == "listening" || skill == "reading" {
		if len(q.Options) == 0 {
			return eq, errors.New("choice question without options")
		}
		if q.Correct == nil {
			return eq, errors.New("choice question without correct option")
		}
		found := false
		for _, o := range q.Options {
			if o.ID == *q.Correct {
				found = true
			}
		}
		if !found {
			return eq, fmt.Errorf("correct option %d not among options", *q.Correct)
		}
	}
	if len(q.Options) > 0 {
		b, err := json.Marshal(q.Options)
		if err != nil {
			return eq, err
		}
		eq.Options = datatypes.JSON(b)
	}
	return eq, nil
}
