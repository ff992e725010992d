package engine

// SpeakingTiming 口语题的准备与录音时长（秒）
type SpeakingTiming struct {
	Prep   int `json:"prep"`
	Record int `json:"record"`
}

func (t SpeakingTiming) Total() int { return t.Prep + t.Record }

// 口语第 1~11 题的默认时长
var speakingTimings = map[int]SpeakingTiming{
	1:  {Prep: 10, Record: 45},
	2:  {Prep: 10, Record: 45},
	3:  {Prep: 10, Record: 30},
	4:  {Prep: 10, Record: 30},
	5:  {Prep: 5, Record: 15},
	6:  {Prep: 5, Record: 15},
	7:  {Prep: 5, Record: 30},
	8:  {Prep: 5, Record: 15},
	9:  {Prep: 5, Record: 15},
	10: {Prep: 5, Record: 30},
	11: {Prep: 10, Record: 60},
}

func SpeakingTimingFor(number int) (SpeakingTiming, bool) {
	t, ok := speakingTimings[number]
	return t, ok
}

// QuestionDuration 题目倒计时秒数，0 表示不计时。
// 口语题未配置时长时按题号（part 内 1 起）查默认表。
func QuestionDuration(p Part, index int) int {
	if index < 0 || index >= len(p.Questions) {
		return 0
	}
	q := p.Questions[index]
	if q.TimeSeconds > 0 {
		return q.TimeSeconds
	}
	if p.Skill == SkillSpeaking {
		if t, ok := SpeakingTimingFor(index + 1); ok {
			return t.Total()
		}
	}
	return 0
}
