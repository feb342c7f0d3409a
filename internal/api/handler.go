// Package api は文字起こしジョブの HTTP API を提供します。
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/fault"
	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/pipeline"
	"github.com/asteriske/scribe-sub001/internal/progress"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

// JobService はハンドラーが使うジョブ操作です。pipeline.Orchestrator が実装します。
type JobService interface {
	Submit(ctx context.Context, rawURL string, tags []string) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, q pipeline.ListQuery) (*pipeline.ListPage, error)
	UpdateTags(ctx context.Context, id string, tags []string) (*jobs.Job, error)
	Tags(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) (*jobs.Job, error)
	Subscribe(ctx context.Context, id string) (*progress.Subscription, error)
	Transcript(ctx context.Context, id string) (*storage.Transcript, error)
	Health(ctx context.Context) error
}

// Options はハンドラーの設定です。
type Options struct {
	Service string
	Version string
	// TranscriberHealth は文字起こしサービスの疎通確認です。nil の場合は確認しません。
	TranscriberHealth func(ctx context.Context) error
	// Heartbeat は SSE のキープアライブ間隔です。
	Heartbeat time.Duration
	Logger    zerolog.Logger
}

// Handler は API のハンドラー群です。
type Handler struct {
	svc  JobService
	opts Options
}

// NewHandler は Handler を作成します。
func NewHandler(svc JobService, opts Options) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Service == "" {
		opts.Service = "scribe-api"
	}
	return &Handler{svc: svc, opts: opts}
}

// Register はルーティングを登録します。submit には追加のミドルウェア（レート制限等）を渡せます。
func (h *Handler) Register(router *gin.Engine, submitMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.POST("/transcribe", append(submitMiddleware, h.Submit)...)
		api.GET("/tags", h.Tags)

		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.GET("", h.List)
			jobRoutes.GET("/:id", h.Status)
			jobRoutes.PATCH("/:id", h.UpdateTags)
			jobRoutes.DELETE("/:id", h.Delete)
			jobRoutes.GET("/:id/events", h.Events)
			jobRoutes.GET("/:id/transcript", h.Transcript)
		}
	}
}

type submitRequest struct {
	URL  string   `json:"url"`
	Tags []string `json:"tags"`
}

// Submit は POST /api/transcribe のハンドラーです。
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディが不正です。",
		})
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_URL",
			"message": "url を指定してください。",
		})
		return
	}

	job, err := h.svc.Submit(c.Request.Context(), strings.TrimSpace(req.URL), req.Tags)
	var conflict *pipeline.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{
			"code":       "JOB_CONFLICT",
			"message":    "同じURLのジョブが既に存在します。",
			"existingId": conflict.Existing.ID,
			"status":     conflict.Existing.Status,
			"job":        conflict.Existing,
		})
		return
	}
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.Header("Location", "/api/jobs/"+job.ID)
	c.JSON(http.StatusAccepted, job)
}

// Status は GET /api/jobs/:id のハンドラーです。
func (h *Handler) Status(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.svc.Get(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// List は GET /api/jobs のハンドラーです。status, skip, limit で絞り込みます。
func (h *Handler) List(c *gin.Context) {
	q := pipeline.ListQuery{
		Status: jobs.Status(strings.ToLower(strings.TrimSpace(c.Query("status")))),
		Limit:  pipeline.DefaultListLimit,
	}
	var ok bool
	if q.Skip, ok = intQuery(c, "skip", 0, "INVALID_SKIP", "skip は0以上の整数を指定してください。"); !ok {
		return
	}
	if q.Limit, ok = intQuery(c, "limit", pipeline.DefaultListLimit, "INVALID_LIMIT", "limit は1から100の整数を指定してください。"); !ok {
		return
	}
	if q.Limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_LIMIT",
			"message": "limit は1から100の整数を指定してください。",
		})
		return
	}

	page, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  page.Jobs,
		"count": len(page.Jobs),
		"total": page.Total,
		"skip":  page.Skip,
		"limit": page.Limit,
	})
}

type updateTagsRequest struct {
	Tags *[]string `json:"tags"`
}

// UpdateTags は PATCH /api/jobs/:id のハンドラーです。タグを丸ごと置き換えます。
func (h *Handler) UpdateTags(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	var req updateTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Tags == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "tags を配列で指定してください。",
		})
		return
	}
	job, err := h.svc.UpdateTags(c.Request.Context(), jobID, *req.Tags)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Tags は GET /api/tags のハンドラーです。
func (h *Handler) Tags(c *gin.Context) {
	tags, err := h.svc.Tags(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// Delete は DELETE /api/jobs/:id のハンドラーです。
func (h *Handler) Delete(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := h.svc.Delete(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted": job.ID,
		"status":  job.Status,
	})
}

// Transcript は GET /api/jobs/:id/transcript のハンドラーです。format は json, txt, srt です。
func (h *Handler) Transcript(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	format := strings.ToLower(c.DefaultQuery("format", "json"))
	switch format {
	case "json", "txt", "srt":
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_FORMAT",
			"message": "format は json, txt, srt のいずれかを指定してください。",
		})
		return
	}

	doc, err := h.svc.Transcript(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	switch format {
	case "txt":
		c.Header("Content-Disposition", `attachment; filename="`+doc.ID+`.txt"`)
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(doc.PlainText()))
	case "srt":
		c.Header("Content-Disposition", `attachment; filename="`+doc.ID+`.srt"`)
		c.Data(http.StatusOK, "application/x-subrip; charset=utf-8", []byte(doc.SRT()))
	default:
		c.JSON(http.StatusOK, doc)
	}
}

// Health は GET /health のハンドラーです。
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	checks := gin.H{"store": "ok"}
	if err := h.svc.Health(ctx); err != nil {
		status = "degraded"
		checks["store"] = "unavailable"
	}
	if h.opts.TranscriberHealth != nil {
		checks["transcriber"] = "ok"
		if err := h.opts.TranscriberHealth(ctx); err != nil {
			status = "degraded"
			checks["transcriber"] = "unavailable"
		}
	}

	code := http.StatusOK
	if checks["store"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": h.opts.Service,
		"version": h.opts.Version,
		"checks":  checks,
	})
}

// intQuery は整数のクエリパラメータを読みます。負の値や数値でない値は 400 を返します。
func intQuery(c *gin.Context, key string, def int, code, message string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": code, "message": message})
		return 0, false
	}
	return v, true
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

// respondWithError はエラー分類に応じたステータスでエラーを返します。
func respondWithError(c *gin.Context, err error) {
	fe, classified := fault.As(err)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, storage.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "RESULT_NOT_FOUND",
			"message": "文字起こし結果が見つかりませんでした。",
		})
	case classified && fe.Category == fault.Validation:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    fe.Code,
			"message": fe.Message,
		})
	case classified && fe.Category == fault.Conflict:
		c.JSON(http.StatusConflict, gin.H{
			"code":    fe.Code,
			"message": fe.Message,
		})
	case fault.IsFatal(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "STORE_UNAVAILABLE",
			"message": "ジョブストアに接続できません。しばらくしてから再試行してください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
