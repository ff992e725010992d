package controller

import (
	"context"

	"exam_session_engine/internal/engine"
	"exam_session_engine/internal/middleware"
	"exam_session_engine/internal/service"
	"exam_session_engine/internal/util"

	"github.com/gin-gonic/gin"
)

// attemptSessions 控制器依赖的会话操作，由 service.SessionManager 实现
type attemptSessions interface {
	Start(ctx context.Context, userID string, examID uint, clientID string) (*engine.Session, bool, error)
	Session(ctx context.Context, attemptID, userID string) (*engine.Session, error)
	Authorize(ctx context.Context, attemptID, userID, clientID string) (*engine.Session, error)
	Heartbeat(ctx context.Context, attemptID, userID, clientID string) error
	Finish(ctx context.Context, attemptID, userID, clientID string) (*engine.FinalizeResult, error)
	Abandon(ctx context.Context, attemptID, userID, clientID string) error
	Finalize(ctx context.Context, attemptID, userID string) (*engine.FinalizeResult, error)
}

type AttemptController struct {
	Sessions   attemptSessions
	Recordings *service.RecordingService
	// 快照推送的缓冲大小
	StreamBuffer int
}

func NewAttemptController(sessions attemptSessions, recordings *service.RecordingService, streamBuffer int) *AttemptController {
	return &AttemptController{Sessions: sessions, Recordings: recordings, StreamBuffer: streamBuffer}
}

type StartAttemptRequest struct {
	ExamID uint `json:"examId" binding:"required"`
}

type StartAttemptResponse struct {
	Resumed  bool                   `json:"resumed"`
	Snapshot engine.SessionSnapshot `json:"snapshot"`
}

type SelectOptionRequest struct {
	OptionID *int `json:"optionId" binding:"required"`
}

type UpdateTextRequest struct {
	Text string `json:"text"`
}

// ScoreResponse 单题评分结果与最新快照
type ScoreResponse struct {
	Result   *engine.ScoreResult    `json:"result"`
	Snapshot engine.SessionSnapshot `json:"snapshot"`
}

type StateResponse struct {
	State    engine.QuestionState   `json:"state"`
	Snapshot engine.SessionSnapshot `json:"snapshot"`
}

type MoveResponse struct {
	Move     engine.Move            `json:"move"`
	Snapshot engine.SessionSnapshot `json:"snapshot"`
}

// caller 取当前用户与客户端标识，缺失时直接响应
func caller(ctx *gin.Context, needClient bool) (string, string, bool) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return "", "", false
	}
	clientID := middleware.ClientID(ctx)
	if needClient && clientID == "" {
		util.BadRequest(ctx, "missing "+util.HeaderClientID+" header")
		return "", "", false
	}
	return user.UserID, clientID, true
}

// authorized 取得持锁客户端的会话
func (c *AttemptController) authorized(ctx *gin.Context) (*engine.Session, bool) {
	userID, clientID, ok := caller(ctx, true)
	if !ok {
		return nil, false
	}
	sess, err := c.Sessions.Authorize(ctx.Request.Context(), ctx.Param("id"), userID, clientID)
	if err != nil {
		respondError(ctx, err, nil)
		return nil, false
	}
	return sess, true
}

// @Summary 开始或续作考试
// @Tags 考试作答
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param X-Client-ID header string true "客户端标识"
// @Param body body StartAttemptRequest true "考试"
// @Success 201 {object} util.Response{data=StartAttemptResponse}
// @Success 200 {object} util.Response{data=StartAttemptResponse}
// @Failure 409 {object} util.Response
// @Router /api/attempts [post]
func (c *AttemptController) Start(ctx *gin.Context) {
	userID, clientID, ok := caller(ctx, true)
	if !ok {
		return
	}
	var req StartAttemptRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	sess, resumed, err := c.Sessions.Start(ctx.Request.Context(), userID, req.ExamID, clientID)
	if err != nil {
		respondError(ctx, err, nil)
		return
	}
	resp := StartAttemptResponse{Resumed: resumed, Snapshot: sess.Snapshot()}
	if resumed {
		util.Success(ctx, resp)
		return
	}
	util.Created(ctx, resp)
}

// @Summary 获取作答快照
// @Tags 考试作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=engine.SessionSnapshot}
// @Router /api/attempts/{id} [get]
func (c *AttemptController) Get(ctx *gin.Context) {
	userID, _, ok := caller(ctx, false)
	if !ok {
		return
	}
	sess, err := c.Sessions.Session(ctx.Request.Context(), ctx.Param("id"), userID)
	if err != nil {
		respondError(ctx, err, nil)
		return
	}
	util.Success(ctx, sess.Snapshot())
}

// @Summary 客户端心跳，续期作答锁
// @Tags 考试作答
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param X-Client-ID header string true "客户端标识"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/heartbeat [post]
func (c *AttemptController) Heartbeat(ctx *gin.Context) {
	userID, clientID, ok := caller(ctx, true)
	if !ok {
		return
	}
	if err := c.Sessions.Heartbeat(ctx.Request.Context(), ctx.Param("id"), userID, clientID); err != nil {
		respondError(ctx, err, nil)
		return
	}
	util.Success(ctx, nil)
}

// @Summary 选择题作答（选中即提交评分）
// @Tags 考试作答
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param qid path string true "题目ID"
// @Param body body SelectOptionRequest true "选项"
// @Success 200 {object} util.Response{data=ScoreResponse}
// @Router /api/attempts/{id}/questions/{qid}/select [post]
func (c *AttemptController) SelectOption(ctx *gin.Context) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	var req SelectOptionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	res, err := sess.SelectOption(ctx.Request.Context(), ctx.Param("qid"), *req.OptionID)
	if err != nil {
		respondError(ctx, err, sess)
		return
	}
	util.Success(ctx, ScoreResponse{Result: res, Snapshot: sess.Snapshot()})
}

// @Summary 更新写作答案（不提交）
// @Tags 考试作答
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param qid path string true "题目ID"
// @Param body body UpdateTextRequest true "答案"
// @Success 200 {object} util.Response{data=StateResponse}
// @Router /api/attempts/{id}/questions/{qid}/text [put]
func (c *AttemptController) UpdateText(ctx *gin.Context) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	var req UpdateTextRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	st, err := sess.UpdateText(ctx.Param("qid"), req.Text)
	if err != nil {
		respondError(ctx, err, sess)
		return
	}
	util.Success(ctx, StateResponse{State: st, Snapshot: sess.Snapshot()})
}

// @Summary 开始录音
// @Tags 考试作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param qid path string true "题目ID"
// @Success 200 {object} util.Response{data=StateResponse}
// @Router /api/attempts/{id}/questions/{qid}/recording/start [post]
func (c *AttemptController) StartRecording(ctx *gin.Context) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	st, err := sess.StartRecording(ctx.Param("qid"))
	if err != nil {
		respondError(ctx, err, sess)
		return
	}
	util.Success(ctx, StateResponse{State: st, Snapshot: sess.Snapshot()})
}

// @Summary 上传录音（停止录音）
// @Tags 考试作答
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param qid path string true "题目ID"
// @Param audio formData file true "录音文件"
// @Success 200 {object} util.Response{data=StateResponse}
// @Router /api/attempts/{id}/questions/{qid}/recording [post]
func (c *AttemptController) UploadRecording(ctx *gin.Context) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	fh, err := ctx.FormFile("audio")
	if err != nil {
		util.BadRequest(ctx, "audio file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	defer f.Close()

	qid := ctx.Param("qid")
	clip, err := c.Recordings.Accept(ctx.Request.Context(), sess.Info().AttemptID, qid, fh.Filename, f)
	if err != nil {
		respondError(ctx, err, sess)
		return
	}
	st, err := sess.StopRecording(qid, clip)
	if err != nil {
		respondError(ctx, err, sess)
		return
	}
	util.Success(ctx, StateResponse{State: st, Snapshot: sess.Snapshot()})
}

// @Summary 提交写作/口语答案评分
// @Tags 考试作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param qid path string true "题目ID"
// @Success 200 {object} util.Response{data=ScoreResponse}
// @Failure 504 {object} util.Response
// @Router /api/attempts/{id}/questions/{qid}/submit [post]
func (c *AttemptController) Submit(ctx *gin.Context) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	res, err := sess.Submit(ctx.Request.Context(), ctx.Param("qid"))
	if err != nil {
		respondError(ctx, err, sess)
		return
	}
	util.Success(ctx, ScoreResponse{Result: res, Snapshot: sess.Snapshot()})
}

func (c *AttemptController) move(ctx *gin.Context, fn func(context.Context, *engine.Session) (engine.Move, error)) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	mv, err := fn(ctx.Request.Context(), sess)
	if err != nil {
		respondError(ctx, err, sess)
		return
	}
	util.Success(ctx, MoveResponse{Move: mv, Snapshot: sess.Snapshot()})
}

// @Summary 下一题
// @Tags 考试导航
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=MoveResponse}
// @Failure 409 {object} util.Response{data=engine.SessionSnapshot}
// @Router /api/attempts/{id}/next [post]
func (c *AttemptController) Next(ctx *gin.Context) {
	c.move(ctx, func(rc context.Context, s *engine.Session) (engine.Move, error) { return s.Next(rc) })
}

// @Summary 上一题（不能跨 part）
// @Tags 考试导航
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=MoveResponse}
// @Router /api/attempts/{id}/previous [post]
func (c *AttemptController) Previous(ctx *gin.Context) {
	c.move(ctx, func(rc context.Context, s *engine.Session) (engine.Move, error) {
		return engine.MoveQuestion, s.Previous(rc)
	})
}

// @Summary 进入下一个 part
// @Tags 考试导航
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=MoveResponse}
// @Router /api/attempts/{id}/next-part [post]
func (c *AttemptController) NextPart(ctx *gin.Context) {
	c.move(ctx, func(rc context.Context, s *engine.Session) (engine.Move, error) {
		return engine.MoveQuestion, s.MoveToNextPart(rc)
	})
}

// @Summary 完成当前 part
// @Tags 考试导航
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=MoveResponse}
// @Router /api/attempts/{id}/complete-part [post]
func (c *AttemptController) CompletePart(ctx *gin.Context) {
	c.move(ctx, func(rc context.Context, s *engine.Session) (engine.Move, error) { return s.CompletePart(rc) })
}

// @Summary 暂停计时
// @Tags 考试导航
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=engine.SessionSnapshot}
// @Router /api/attempts/{id}/timer/pause [post]
func (c *AttemptController) PauseTimer(ctx *gin.Context) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	sess.PauseTimer(ctx.Request.Context())
	util.Success(ctx, sess.Snapshot())
}

// @Summary 恢复计时
// @Tags 考试导航
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=engine.SessionSnapshot}
// @Router /api/attempts/{id}/timer/resume [post]
func (c *AttemptController) ResumeTimer(ctx *gin.Context) {
	sess, ok := c.authorized(ctx)
	if !ok {
		return
	}
	sess.ResumeTimer(ctx.Request.Context())
	util.Success(ctx, sess.Snapshot())
}

// @Summary 交卷
// @Tags 考试作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=engine.FinalizeResult}
// @Router /api/attempts/{id}/finish [post]
func (c *AttemptController) Finish(ctx *gin.Context) {
	userID, clientID, ok := caller(ctx, true)
	if !ok {
		return
	}
	res, err := c.Sessions.Finish(ctx.Request.Context(), ctx.Param("id"), userID, clientID)
	if err != nil {
		respondError(ctx, err, nil)
		return
	}
	util.Success(ctx, res)
}

// @Summary 放弃作答
// @Tags 考试作答
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/abandon [post]
func (c *AttemptController) Abandon(ctx *gin.Context) {
	userID, clientID, ok := caller(ctx, true)
	if !ok {
		return
	}
	if err := c.Sessions.Abandon(ctx.Request.Context(), ctx.Param("id"), userID, clientID); err != nil {
		respondError(ctx, err, nil)
		return
	}
	util.Success(ctx, nil)
}

// @Summary 作答汇总
// @Tags 考试作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response{data=engine.FinalizeResult}
// @Router /api/attempts/{id}/finalize [get]
func (c *AttemptController) Finalize(ctx *gin.Context) {
	userID, _, ok := caller(ctx, false)
	if !ok {
		return
	}
	res, err := c.Sessions.Finalize(ctx.Request.Context(), ctx.Param("id"), userID)
	if err != nil {
		respondError(ctx, err, nil)
		return
	}
	util.Success(ctx, res)
}

// @Summary 订阅作答快照（websocket）
// @Tags 考试作答
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param clientId query string false "客户端标识，用于心跳续期"
// @Router /api/attempts/{id}/stream [get]
func (c *AttemptController) Stream(ctx *gin.Context) {
	userID, clientID, ok := caller(ctx, false)
	if !ok {
		return
	}
	attemptID := ctx.Param("id")
	sess, err := c.Sessions.Session(ctx.Request.Context(), attemptID, userID)
	if err != nil {
		respondError(ctx, err, nil)
		return
	}
	var heartbeat func(context.Context) error
	if clientID != "" {
		heartbeat = func(hc context.Context) error {
			return c.Sessions.Heartbeat(hc, attemptID, userID, clientID)
		}
	}
	service.ServeSnapshots(ctx.Writer, ctx.Request, sess, c.StreamBuffer, heartbeat)
}

// RegisterRoutes 挂载作答相关路由，调用方负责鉴权中间件
func (c *AttemptController) RegisterRoutes(rg *gin.RouterGroup) {
	attempts := rg.Group("/attempts")
	{
		attempts.POST("", c.Start)
		attempts.GET("/:id", c.Get)
		attempts.POST("/:id/heartbeat", c.Heartbeat)
		attempts.GET("/:id/stream", c.Stream)

		attempts.POST("/:id/questions/:qid/select", c.SelectOption)
		attempts.PUT("/:id/questions/:qid/text", c.UpdateText)
		attempts.POST("/:id/questions/:qid/recording/start", c.StartRecording)
		attempts.POST("/:id/questions/:qid/recording", c.UploadRecording)
		attempts.POST("/:id/questions/:qid/submit", c.Submit)

		attempts.POST("/:id/next", c.Next)
		attempts.POST("/:id/previous", c.Previous)
		attempts.POST("/:id/next-part", c.NextPart)
		attempts.POST("/:id/complete-part", c.CompletePart)
		attempts.POST("/:id/timer/pause", c.PauseTimer)
		attempts.POST("/:id/timer/resume", c.ResumeTimer)

		attempts.POST("/:id/finish", c.Finish)
		attempts.POST("/:id/abandon", c.Abandon)
		attempts.GET("/:id/finalize", c.Finalize)
	}
}
