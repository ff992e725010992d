package repository

import (
	"exam_session_engine/internal/model"

	"gorm.io/gorm"
)

type ExamRepository struct {
	DB *gorm.DB
}

func NewExamRepository(db *gorm.DB) *ExamRepository {
	return &ExamRepository{DB: db}
}

func preloadCatalog(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Parts", func(db *gorm.DB) *gorm.DB { return db.Order("`order` ASC, id ASC") }).
		Preload("Parts.Questions", func(db *gorm.DB) *gorm.DB { return db.Order("`order` ASC, id ASC") })
}

func (r *ExamRepository) FindByID(id uint) (*model.Exam, error) {
	var exam model.Exam
	if err := preloadCatalog(r.DB).First(&exam, id).Error; err != nil {
		return nil, err
	}
	return &exam, nil
}

func (r *ExamRepository) FindByCode(code string) (*model.Exam, error) {
	var exam model.Exam
	if err := preloadCatalog(r.DB).Where("code = ?", code).First(&exam).Error; err != nil {
		return nil, err
	}
	return &exam, nil
}

func (r *ExamRepository) ListPublished() ([]model.Exam, error) {
	var exams []model.Exam
	err := r.DB.Where("is_published = ?", true).Order("id ASC").Find(&exams).Error
	return exams, err
}

// ReplaceByCode 导入题库：同 code 的考试整体替换其 part 与题目
func (r *ExamRepository) ReplaceByCode(exam *model.Exam) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		var existing model.Exam
		err := tx.Where("code = ?", exam.Code).First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			return tx.Create(exam).Error
		case err != nil:
			return err
		}

		var partIDs []uint
		if err := tx.Model(&model.ExamPart{}).Where("exam_id = ?", existing.ID).Pluck("id", &partIDs).Error; err != nil {
			return err
		}
		if len(partIDs) > 0 {
			if err := tx.Unscoped().Where("part_id IN ?", partIDs).Delete(&model.ExamQuestion{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Where("id IN ?", partIDs).Delete(&model.ExamPart{}).Error; err != nil {
				return err
			}
		}

		exam.ID = existing.ID
		exam.CreatedAt = existing.CreatedAt
		if err := tx.Omit("Parts").Save(exam).Error; err != nil {
			return err
		}
		for i := range exam.Parts {
			exam.Parts[i].ExamID = exam.ID
			if err := tx.Create(&exam.Parts[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
