package engine

import "testing"

func TestQuestionDuration(t *testing.T) {
	speaking := Part{ID: "3", Skill: SkillSpeaking, Questions: []Question{
		{ID: "s1"}, {ID: "s2", TimeSeconds: 90}, {ID: "s3"},
	}}
	reading := Part{ID: "2", Skill: SkillReading, Questions: []Question{{ID: "r1"}, {ID: "r2", TimeSeconds: 40}}}

	tests := []struct {
		name  string
		part  Part
		index int
		want  int
	}{
		{name: "speaking default table", part: speaking, index: 0, want: 55},
		{name: "explicit time wins", part: speaking, index: 1, want: 90},
		{name: "speaking third question", part: speaking, index: 2, want: 40},
		{name: "untimed reading", part: reading, index: 0, want: 0},
		{name: "timed reading", part: reading, index: 1, want: 40},
		{name: "out of range", part: reading, index: 5, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := QuestionDuration(tc.part, tc.index); got != tc.want {
				t.Fatalf("QuestionDuration = %d, want %d", got, tc.want)
			}
		})
	}

	if _, ok := SpeakingTimingFor(12); ok {
		t.Fatal("question 12 has no default timing")
	}
}
