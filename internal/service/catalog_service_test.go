package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/model"

	"gorm.io/gorm"
)

const sampleCatalog = `
code: aptis-demo
title: Aptis demo
parts:
  - code: L1
    skill: listening
    questions:
      - prompt: Where is the meeting?
        timeSeconds: 45
        correct: 2
        options:
          - {id: 1, text: Office}
          - {id: 2, text: Cafe}
  - code: W1
    skill: writing
    questions:
      - partNumber: 1
        pictureCaption: A busy street
        vocabularyRequest: crowded, noisy
        weight: 10
`

type fakeCatalogRepo struct {
	exams    map[string]*model.Exam
	replaced int
}

func (f *fakeCatalogRepo) FindByCode(code string) (*model.Exam, error) {
	if e, ok := f.exams[code]; ok {
		return e, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeCatalogRepo) ReplaceByCode(exam *model.Exam) error {
	f.replaced++
	exam.ID = uint(len(f.exams) + 1)
	f.exams[exam.Code] = exam
	return nil
}

func TestParseCatalog(t *testing.T) {
	exam, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatal(err)
	}
	if !exam.IsPublished || len(exam.Parts) != 2 {
		t.Fatalf("exam %+v", exam)
	}
	q := exam.Parts[0].Questions[0]
	if *q.CorrectOptionID != 2 || !strings.Contains(string(q.Options), `"Cafe"`) || q.Weight.IntPart() != 1 {
		t.Fatalf("listening question %+v", q)
	}

	exam.Parts[0].ID, exam.Parts[1].ID = 1, 2
	exam.Parts[0].Questions[0].ID, exam.Parts[1].Questions[0].ID = 11, 21
	parts, err := ToEngineParts(exam)
	if err != nil {
		t.Fatal(err)
	}
	if parts[0].Questions[0].Options[1].Text != "Cafe" || parts[1].Questions[0].Weight != 10 || parts[1].Skill != engine.SkillWriting {
		t.Fatalf("engine parts %+v", parts)
	}
}

func TestParseCatalogRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing code", yaml: "title: x\nparts: [{skill: reading}]"},
		{name: "no parts", yaml: "code: x"},
		{name: "unknown skill", yaml: "code: x\nparts: [{code: G1, skill: grammar}]"},
		{name: "part without questions", yaml: "code: x\nparts: [{code: L1, skill: listening}]"},
		{name: "choice without answer", yaml: "code: x\nparts: [{code: R1, skill: reading, questions: [{options: [{id: 1}]}]}]"},
		{name: "answer not an option", yaml: "code: x\nparts: [{code: R1, skill: reading, questions: [{correct: 3, options: [{id: 1}]}]}]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tc.yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCatalogImportDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "demo.yaml"), []byte(sampleCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	repo := &fakeCatalogRepo{exams: map[string]*model.Exam{}}
	svc := NewCatalogService(repo, nil)

	res, err := svc.ImportDir(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Imported) != 1 || repo.replaced != 1 {
		t.Fatalf("first import %+v", res)
	}

	res, _ = svc.ImportDir(dir, false)
	if len(res.Skipped) != 1 || repo.replaced != 1 {
		t.Fatalf("second import should skip existing: %+v", res)
	}
	res, _ = svc.ImportDir(dir, true)
	if len(res.Imported) != 1 || repo.replaced != 2 {
		t.Fatalf("forced import %+v", res)
	}

	os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("code: [oops"), 0o644)
	if _, err := svc.ImportDir(dir, false); err == nil || !strings.Contains(err.Error(), "broken.yml") {
		t.Fatalf("broken file err = %v", err)
	}
}
