package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/engine"
	"exam_session_engine/pkg/logger"
	"exam_session_engine/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ScorerService 选择题本地判分，写作与口语调用外部 AI 评分服务。
// 未配置 base_url 时使用本地模拟评分。
type ScorerService struct {
	config  config.ScorerConfig
	client  *http.Client
	limiter *rate.Limiter
	choice  engine.ChoiceScorer
}

func NewScorerService(cfg config.ScorerConfig) *ScorerService {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ScorerService{
		config: cfg,
		// 超时由调用方的 context 控制
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *ScorerService) remote() bool {
	return s.config.BaseURL != ""
}

func (s *ScorerService) Score(ctx context.Context, req engine.ScoreRequest) (*engine.ScoreResult, error) {
	switch req.Modality {
	case engine.ModalityChoice:
		return s.choice.Score(ctx, req)
	case engine.ModalityText:
		return s.scoreWriting(ctx, req)
	case engine.ModalitySpeech:
		return s.scoreSpeaking(ctx, req)
	}
	return nil, fmt.Errorf("unsupported modality %q", req.Modality)
}

// WritingP1Request 看图写句
type WritingP1Request struct {
	PictureCaption    string `json:"pictureCaption"`
	VocabularyRequest string `json:"vocabularyRequest"`
	UserAnswer        string `json:"userAnswer"`
}

// WritingP23Request 回复邮件 / 议论文
type WritingP23Request struct {
	PartNumber int    `json:"partNumber"`
	Prompt     string `json:"prompt"`
	UserAnswer string `json:"userAnswer"`
}

type writingResponse struct {
	TotalScore              float64 `json:"totalScore"`
	GrammarFeedback         string  `json:"grammarFeedback"`
	VocabularyFeedback      string  `json:"vocabularyFeedback"`
	RequiredWordsCheck      string  `json:"requiredWordsCheck"`
	ContentAccuracyFeedback string  `json:"contentAccuracyFeedback"`
	CorrectedAnswerProposal string  `json:"correctedAnswerProposal"`
}

type speakingResponse struct {
	Transcript         string  `json:"transcript"`
	SavedAudioURL      string  `json:"savedAudioUrl"`
	OverallScore       float64 `json:"overallScore"`
	PronunciationScore float64 `json:"pronunciationScore"`
	AccuracyScore      float64 `json:"accuracyScore"`
	FluencyScore       float64 `json:"fluencyScore"`
	CompletenessScore  float64 `json:"completenessScore"`
	GrammarScore       float64 `json:"grammarScore"`
	VocabularyScore    float64 `json:"vocabularyScore"`
	ContentScore       float64 `json:"contentScore"`
}

func (s *ScorerService) scoreWriting(ctx context.Context, req engine.ScoreRequest) (res *engine.ScoreResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "scorer.writing", req.AttemptID, req.Question.ID)
	defer func() { tracing.EndSpan(span, err) }()

	text := strings.TrimSpace(req.Answer.Text)
	if text == "" {
		return nil, engine.ErrEmptyAnswer
	}
	if !s.remote() {
		return mockWritingScore(text), nil
	}

	var (
		path string
		body interface{}
	)
	q := req.Question
	if q.PartNumber == 1 {
		path = "/writing/p1-get-feedback"
		body = WritingP1Request{
			PictureCaption:    q.PictureCaption,
			VocabularyRequest: q.VocabularyRequest,
			UserAnswer:        text,
		}
	} else {
		path = "/writing/p23-get-feedback"
		body = WritingP23Request{
			PartNumber: q.PartNumber,
			Prompt:     q.Prompt,
			UserAnswer: text,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out writingResponse
	if err := s.do(ctx, path, "application/json", bytes.NewReader(payload), &out); err != nil {
		return nil, err
	}

	w := engine.WritingScore(out)
	return &engine.ScoreResult{Score: out.TotalScore, Writing: &w}, nil
}

func (s *ScorerService) scoreSpeaking(ctx context.Context, req engine.ScoreRequest) (res *engine.ScoreResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "scorer.speaking", req.AttemptID, req.Question.ID)
	defer func() { tracing.EndSpan(span, err) }()

	clip := req.Answer.Audio
	if clip == nil || (len(clip.Data) == 0 && clip.URL == "") {
		return nil, engine.ErrEmptyRecording
	}
	if !s.remote() {
		return mockSpeakingScore(clip), nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("questionId", req.Question.ID)
	mw.WriteField("attemptId", req.AttemptID)
	if len(clip.Data) > 0 {
		fw, err := mw.CreateFormFile("audio", "user-recording.webm")
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(clip.Data); err != nil {
			return nil, err
		}
	} else {
		mw.WriteField("audioUrl", clip.URL)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out speakingResponse
	if err := s.do(ctx, "/speaking/submit-answer", mw.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	if out.SavedAudioURL == "" {
		out.SavedAudioURL = clip.URL
	}
	return &engine.ScoreResult{
		Score: out.OverallScore,
		Speaking: &engine.SpeakingScore{
			Transcript:    out.Transcript,
			SavedAudioURL: out.SavedAudioURL,
			Overall:       out.OverallScore,
			Pronunciation: out.PronunciationScore,
			Accuracy:      out.AccuracyScore,
			Fluency:       out.FluencyScore,
			Completeness:  out.CompletenessScore,
			Grammar:       out.GrammarScore,
			Vocabulary:    out.VocabularyScore,
			Content:       out.ContentScore,
		},
	}, nil
}

func (s *ScorerService) do(ctx context.Context, path, contentType string, body io.Reader, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.config.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		logger.Log.Warn("scorer returned non-200",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(start)))
		return fmt.Errorf("scorer error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode scorer response: %w", err)
	}
	return nil
}

// mockWritingScore 按词数给出 0~10 分，仅用于本地开发
func mockWritingScore(text string) *engine.ScoreResult {
	words := len(strings.Fields(text))
	score := float64(words) / 10
	if score > 10 {
		score = 10
	}
	return &engine.ScoreResult{
		Score:   score,
		Message: "mock score",
		Writing: &engine.WritingScore{
			TotalScore:      score,
			GrammarFeedback: fmt.Sprintf("%d words submitted", words),
		},
	}
}

// mockSpeakingScore 按录音时长给分，满分 100
func mockSpeakingScore(clip *engine.AudioClip) *engine.ScoreResult {
	score := clip.DurationSeconds * 2
	if score > 100 {
		score = 100
	}
	return &engine.ScoreResult{
		Score:   score,
		Message: "mock score",
		Speaking: &engine.SpeakingScore{
			SavedAudioURL: clip.URL,
			Overall:       score,
		},
	}
}
