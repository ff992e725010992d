package controller

import (
	"net/http"

	"exam_session_engine/internal/util"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type activeCounter interface {
	Active() int
}

type HealthController struct {
	DB       *gorm.DB
	Sessions activeCounter
	// 用于校验录音的 ffmpeg 版本，为空表示未安装
	FFmpeg string
}

func NewHealthController(db *gorm.DB, sessions activeCounter) *HealthController {
	version, _ := util.GetFFmpegVersion()
	return &HealthController{DB: db, Sessions: sessions, FFmpeg: version}
}

// @Summary 健康检查
// @Description 检查服务状态
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Router /api/health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	// 检查数据库连接
	sqlDB, err := c.DB.DB()
	if err != nil {
		util.InternalServerError(ctx)
		return
	}

	if err := sqlDB.PingContext(ctx.Request.Context()); err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	ffmpeg := "unavailable"
	if c.FFmpeg != "" {
		ffmpeg = c.FFmpeg
	}
	util.Success(ctx, gin.H{
		"status": "ok",
		"components": gin.H{
			"database": "up",
			"ffmpeg":   ffmpeg,
		},
		"activeSessions": c.Sessions.Active(),
	})
}
