package engine

import (
	"context"
	"fmt"
	"strings"

	"exam_session_engine/pkg/logger"

	"go.uber.org/zap"
)

// MinRecordingBytes 低于该大小的录音仍接受，但记录告警
const MinRecordingBytes = 1024

// ChoiceWidget 选择题：选择即提交，没有 ready 中间态
type ChoiceWidget struct {
	machine *StateMachine
}

func NewChoiceWidget(m *StateMachine) *ChoiceWidget {
	return &ChoiceWidget{machine: m}
}

func (w *ChoiceWidget) Select(q Question, optionID int) (QuestionState, error) {
	if !q.HasOption(optionID) {
		return QuestionState{}, fmt.Errorf("%w: option %d on question %s", ErrUnknownOption, optionID, q.ID)
	}
	return w.machine.Update(q.ID, To(LifecycleSubmitted).WithAnswer(RawAnswer{OptionID: intPtr(optionID)}))
}

// TextWidget 写作题：输入即保存，非空为 ready
type TextWidget struct {
	machine *StateMachine
}

func NewTextWidget(m *StateMachine) *TextWidget {
	return &TextWidget{machine: m}
}

func (w *TextWidget) Input(q Question, text string) (QuestionState, error) {
	target := LifecycleReady
	if strings.TrimSpace(text) == "" {
		target = LifecycleInProgress
	}
	return w.machine.Update(q.ID, To(target).WithAnswer(RawAnswer{Text: text}))
}

// Validate 提交前检查
func (w *TextWidget) Validate(st QuestionState) error {
	if st.RawAnswer == nil || strings.TrimSpace(st.RawAnswer.Text) == "" {
		return ErrEmptyAnswer
	}
	return nil
}

// RecordingDevice 录音来源，服务端场景由上传的音频文件实现
type RecordingDevice interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*AudioClip, error)
}

// RecordingWidget 口语题：开始录音进入 in_progress，停止后得到 ready 的音频答案
type RecordingWidget struct {
	machine  *StateMachine
	minBytes int64
}

func NewRecordingWidget(m *StateMachine, minBytes int64) *RecordingWidget {
	if minBytes <= 0 {
		minBytes = MinRecordingBytes
	}
	return &RecordingWidget{machine: m, minBytes: minBytes}
}

func (w *RecordingWidget) Start(q Question) (QuestionState, error) {
	return w.machine.Update(q.ID, To(LifecycleInProgress))
}

func (w *RecordingWidget) Stop(q Question, clip *AudioClip) (QuestionState, error) {
	if err := w.check(q, clip); err != nil {
		return QuestionState{}, err
	}
	c := *clip
	if c.Size == 0 {
		c.Size = int64(len(c.Data))
	}
	return w.machine.Update(q.ID, To(LifecycleReady).WithAnswer(RawAnswer{Audio: &c}))
}

// Capture 驱动设备完成一次完整录音
func (w *RecordingWidget) Capture(ctx context.Context, q Question, dev RecordingDevice) (QuestionState, error) {
	if _, err := w.Start(q); err != nil {
		return QuestionState{}, err
	}
	if err := dev.Start(ctx); err != nil {
		return QuestionState{}, fmt.Errorf("start recording: %w", err)
	}
	clip, err := dev.Stop(ctx)
	if err != nil {
		return QuestionState{}, fmt.Errorf("stop recording: %w", err)
	}
	return w.Stop(q, clip)
}

func (w *RecordingWidget) check(q Question, clip *AudioClip) error {
	if clip == nil {
		return ErrEmptyRecording
	}
	size := clip.Size
	if len(clip.Data) > 0 {
		size = int64(len(clip.Data))
	}
	if size == 0 && clip.URL == "" {
		return ErrEmptyRecording
	}
	if size > 0 && size < w.minBytes {
		logger.Log.Warn("recording is unusually short",
			zap.String("questionId", q.ID),
			zap.Int64("bytes", size),
			zap.Float64("seconds", clip.DurationSeconds))
	}
	return nil
}
