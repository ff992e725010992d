package controller

import (
	"strconv"

	"exam_session_engine/internal/service"
	"exam_session_engine/internal/util"

	"github.com/gin-gonic/gin"
)

type ExamController struct {
	Service *service.ExamService
	Catalog *service.CatalogService
	// 题库目录
	CatalogDir string
}

func NewExamController(svc *service.ExamService, catalog *service.CatalogService, catalogDir string) *ExamController {
	return &ExamController{Service: svc, Catalog: catalog, CatalogDir: catalogDir}
}

// @Summary 考试列表
// @Tags 考试
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response{data=[]service.ExamSummary}
// @Router /api/exams [get]
func (c *ExamController) List(ctx *gin.Context) {
	exams, err := c.Service.List()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, exams)
}

// @Summary 考试结构（不含标准答案）
// @Tags 考试
// @Produce json
// @Security BearerAuth
// @Param id path int true "考试ID"
// @Success 200 {object} util.Response{data=[]engine.Part}
// @Router /api/exams/{id} [get]
func (c *ExamController) Parts(ctx *gin.Context) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		util.BadRequest(ctx, "invalid id")
		return
	}
	parts, err := c.Service.Parts(uint(id))
	if err != nil {
		respondError(ctx, err, nil)
		return
	}
	util.Success(ctx, parts)
}

// @Summary 重新导入题库
// @Tags 考试
// @Produce json
// @Security BearerAuth
// @Param force query bool false "替换已存在的考试"
// @Success 200 {object} util.Response{data=service.ImportResult}
// @Router /api/admin/catalog/import [post]
func (c *ExamController) Import(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil || user.Role != "admin" {
		util.Forbidden(ctx)
		return
	}
	force, _ := strconv.ParseBool(ctx.Query("force"))
	res, err := c.Catalog.ImportDir(c.CatalogDir, force)
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	util.Success(ctx, res)
}
