package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// swagger:model Exam
type Exam struct {
	BaseModel

	Code        string     `gorm:"size:100;uniqueIndex" json:"code"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	IsPublished bool       `gorm:"default:true" json:"isPublished"`
	Parts       []ExamPart `gorm:"foreignKey:ExamID" json:"parts,omitempty"`
}

func (Exam) TableName() string {
	return "exams"
}

// ExamPart 一个技能分区，例如 listening part 1
type ExamPart struct {
	BaseModel

	ExamID    uint           `gorm:"index;type:bigint unsigned" json:"examId"`
	Code      string         `gorm:"size:50" json:"code"`
	Title     string         `gorm:"size:255" json:"title"`
	Skill     string         `gorm:"size:20;index" json:"skill"` // listening, reading, speaking, writing
	Order     int            `gorm:"default:0" json:"order"`
	Questions []ExamQuestion `gorm:"foreignKey:PartID" json:"questions,omitempty"`
}

func (ExamPart) TableName() string {
	return "exam_parts"
}

// swagger:model ExamQuestion
type ExamQuestion struct {
	BaseModel

	PartID            uint            `gorm:"index;type:bigint unsigned" json:"partId"`
	PromptID          string          `gorm:"size:100" json:"promptId"` // 共享同一材料的题目
	Prompt            string          `gorm:"type:text" json:"prompt"`
	Options           datatypes.JSON  `gorm:"type:json" json:"options"` // [{"id":1,"text":"..."}]
	CorrectOptionID   *int            `json:"-"`
	Weight            decimal.Decimal `gorm:"type:decimal(10,2);default:1" json:"weight"`
	TimeSeconds       int             `gorm:"default:0" json:"timeSeconds"`
	PartNumber        int             `gorm:"default:0" json:"partNumber"` // 写作 part 1/2/3
	PictureCaption    string          `gorm:"type:text" json:"pictureCaption"`
	VocabularyRequest string          `gorm:"type:text" json:"vocabularyRequest"`
	Order             int             `gorm:"default:0" json:"order"`
}

func (ExamQuestion) TableName() string {
	return "exam_questions"
}
