package engine

import (
	"context"
	"errors"
	"testing"
)

type fakeDevice struct {
	clip    *AudioClip
	started bool
}

func (d *fakeDevice) Start(context.Context) error {
	d.started = true
	return nil
}

func (d *fakeDevice) Stop(context.Context) (*AudioClip, error) {
	return d.clip, nil
}

func TestTextWidget(t *testing.T) {
	m := NewStateMachine()
	m.Initialize("w1")
	w := NewTextWidget(m)
	q := Question{ID: "w1"}

	st, err := w.Input(q, "   ")
	if err != nil {
		t.Fatal(err)
	}
	if st.Lifecycle != LifecycleInProgress {
		t.Fatalf("blank input lifecycle = %s", st.Lifecycle)
	}
	if err := w.Validate(st); !errors.Is(err, ErrEmptyAnswer) {
		t.Fatalf("Validate blank = %v", err)
	}

	st, _ = w.Input(q, "Dear Sir,")
	if st.Lifecycle != LifecycleReady || w.Validate(st) != nil {
		t.Fatalf("state %+v", st)
	}
}

func TestChoiceWidgetRejectsUnknownOption(t *testing.T) {
	m := NewStateMachine()
	m.Initialize("q1")
	w := NewChoiceWidget(m)
	q := Question{ID: "q1", Options: []Option{{ID: 1}, {ID: 2}}}

	if _, err := w.Select(q, 9); !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("Select(9) = %v", err)
	}
	st, err := w.Select(q, 2)
	if err != nil {
		t.Fatal(err)
	}
	if st.Lifecycle != LifecycleSubmitted {
		t.Fatalf("lifecycle = %s, want submitted", st.Lifecycle)
	}
}

func TestRecordingWidget(t *testing.T) {
	tests := []struct {
		name    string
		clip    *AudioClip
		wantErr error
	}{
		{name: "nil clip", clip: nil, wantErr: ErrEmptyRecording},
		{name: "zero bytes", clip: &AudioClip{}, wantErr: ErrEmptyRecording},
		{name: "short clip accepted", clip: &AudioClip{Data: []byte("tiny")}},
		{name: "normal clip", clip: &AudioClip{Data: make([]byte, 4096), DurationSeconds: 12}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewStateMachine()
			m.Initialize("s1")
			w := NewRecordingWidget(m, 0)
			dev := &fakeDevice{clip: tc.clip}

			st, err := w.Capture(context.Background(), Question{ID: "s1"}, dev)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				cur, _ := m.Get("s1")
				if cur.Lifecycle != LifecycleInProgress {
					t.Fatalf("lifecycle after rejected clip = %s", cur.Lifecycle)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !dev.started || st.Lifecycle != LifecycleReady || st.RawAnswer.Audio.Size != int64(len(tc.clip.Data)) {
				t.Fatalf("state %+v", st)
			}
		})
	}
}
