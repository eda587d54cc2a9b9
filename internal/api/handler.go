package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/wake-gateway/internal/api/middleware"
	"github.com/taoyao-code/wake-gateway/internal/command"
	"github.com/taoyao-code/wake-gateway/internal/device"
	"github.com/taoyao-code/wake-gateway/internal/gateway"
	"github.com/taoyao-code/wake-gateway/internal/reliability"
	"github.com/taoyao-code/wake-gateway/internal/schedule"
	"github.com/taoyao-code/wake-gateway/internal/snapshot"
	"github.com/taoyao-code/wake-gateway/internal/storage/gormrepo"
	"github.com/taoyao-code/wake-gateway/internal/storage/models"
	"github.com/taoyao-code/wake-gateway/internal/wakesession"
)

// Commands 指令队列
type Commands interface {
	Enqueue(ctx context.Context, deviceID string, p command.Payload, issuedBy string) (command.Command, error)
	Stats(ctx context.Context) (map[command.Status]int64, error)
}

// Devices 设备服务
type Devices interface {
	Get(ctx context.Context, id string) (device.Device, error)
	RequestManualWake(ctx context.Context, id string, at, now time.Time, by string) error
	UpdateSchedule(ctx context.Context, id, expr string, now time.Time) (time.Time, error)
}

// Sessions 会话查询
type Sessions interface {
	Summarize(ctx context.Context, sessionID int64, now time.Time) (wakesession.Summary, error)
}

// Snapshots 快照生成
type Snapshots interface {
	Generate(ctx context.Context, sessionID int64, round int) (snapshot.Snapshot, error)
	GenerateUpTo(ctx context.Context, sessionID int64, now time.Time) (int, error)
}

// SnapshotReader 已落库快照
type SnapshotReader interface {
	List(ctx context.Context, sessionID int64) ([]snapshot.Snapshot, error)
}

// Sites 站点与设备分配
type Sites interface {
	CreateSite(ctx context.Context, name, timezone string) (models.Site, error)
	MapDevice(ctx context.Context, deviceID string, siteID int64, at time.Time) error
}

// Records 设备历史记录
type Records interface {
	ListPayloads(ctx context.Context, deviceID string, limit int) ([]gateway.Payload, error)
	ListCommands(ctx context.Context, deviceID string, limit int) ([]command.Command, error)
}

// Presence 在线状态
type Presence interface {
	IsOnline(deviceID string, now time.Time) bool
}

// Reliability 连通性评分
type Reliability interface {
	Cached(ctx context.Context, deviceID string, lookback int) (reliability.Result, error)
}

// Deps 处理器依赖
type Deps struct {
	Commands        Commands
	Devices         Devices
	Sessions        Sessions
	Snapshots       Snapshots
	SnapshotReader  SnapshotReader
	Sites           Sites
	Records         Records
	Presence        Presence
	Reliability     Reliability
	DefaultLookback int
	Now             func() time.Time
	Logger          *zap.Logger
}

// Handler 运维 API 处理器
type Handler struct {
	d Deps
}

// NewHandler 创建处理器
func NewHandler(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.DefaultLookback <= 0 {
		d.DefaultLookback = 10
	}
	return &Handler{d: d}
}

// errorStatus 领域错误到 HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, device.ErrNotFound),
		errors.Is(err, command.ErrDeviceNotFound),
		errors.Is(err, command.ErrNotFound),
		errors.Is(err, wakesession.ErrNotFound),
		errors.Is(err, snapshot.ErrSessionNotFound),
		errors.Is(err, gormrepo.ErrDeviceNotFound),
		errors.Is(err, gormrepo.ErrSiteNotFound):
		return http.StatusNotFound
	case errors.Is(err, command.ErrUnknownKind),
		errors.Is(err, command.ErrInvalidPayload),
		errors.Is(err, device.ErrManualWakePast),
		errors.Is(err, snapshot.ErrInvalidRound),
		errors.Is(err, schedule.ErrEmpty),
		errors.Is(err, schedule.ErrFieldCount),
		errors.Is(err, schedule.ErrRange),
		errors.Is(err, schedule.ErrSyntax):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		h.d.Logger.Error("api request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func operator(c *gin.Context, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if v := c.GetString(middleware.ContextOperator); v != "" {
		return v
	}
	return "api"
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

// GetDevice 设备详情与在线状态
// @Summary 查询设备
// @Description 设备账本与当前在线状态
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Success 200 {object} map[string]interface{} "device 与 online"
// @Failure 404 {object} map[string]interface{} "设备不存在"
// @Router /api/devices/{device_id} [get]
func (h *Handler) GetDevice(c *gin.Context) {
	id := c.Param("device_id")
	d, err := h.d.Devices.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	online := false
	if h.d.Presence != nil {
		online = h.d.Presence.IsOnline(id, h.d.Now())
	}
	c.JSON(http.StatusOK, gin.H{"device": toDeviceDTO(d), "online": online})
}

type enqueueRequest struct {
	Kind     string          `json:"kind" binding:"required" enums:"capture_image,send_image,set_wake_schedule,reboot,firmware_update,ping"`
	Payload  json.RawMessage `json:"payload"`
	IssuedBy string          `json:"issued_by"`
}

// EnqueueCommand 下发指令；设备离线时排队等待上线
// @Summary 下发指令
// @Description 指令持久化后排队，设备上线时按序投递
// @Tags 指令
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Param request body enqueueRequest true "指令类型与参数"
// @Success 201 {object} commandDTO
// @Failure 400 {object} map[string]interface{} "未知指令类型或参数错误"
// @Failure 404 {object} map[string]interface{} "设备不存在"
// @Router /api/devices/{device_id}/commands [post]
func (h *Handler) EnqueueCommand(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	kind, err := command.ParseKind(req.Kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := command.DecodePayload(kind, req.Payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	cmd, err := h.d.Commands.Enqueue(c.Request.Context(), c.Param("device_id"), p, operator(c, req.IssuedBy))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toCommandDTO(cmd))
}

// ListCommands 设备最近指令
// @Summary 查询设备指令
// @Tags 指令
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Param limit query int false "数量(默认50)"
// @Success 200 {object} map[string]interface{} "commands"
// @Router /api/devices/{device_id}/commands [get]
func (h *Handler) ListCommands(c *gin.Context) {
	list, err := h.d.Records.ListCommands(c.Request.Context(), c.Param("device_id"), queryInt(c, "limit", 50))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]commandDTO, 0, len(list))
	for _, cmd := range list {
		out = append(out, toCommandDTO(cmd))
	}
	c.JSON(http.StatusOK, gin.H{"commands": out})
}

type manualWakeRequest struct {
	At          time.Time `json:"at" binding:"required"`
	RequestedBy string    `json:"requested_by"`
}

// RequestManualWake 一次性手动唤醒
// @Summary 手动唤醒
// @Description 设置一次性唤醒时间，下次 ACK 时下发
// @Tags 设备
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Param request body manualWakeRequest true "唤醒时间"
// @Success 202 {object} map[string]interface{} "已受理"
// @Failure 400 {object} map[string]interface{} "时间已过"
// @Failure 404 {object} map[string]interface{} "设备不存在"
// @Router /api/devices/{device_id}/wake [post]
func (h *Handler) RequestManualWake(c *gin.Context) {
	var req manualWakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := c.Param("device_id")
	if err := h.d.Devices.RequestManualWake(c.Request.Context(), id, req.At, h.d.Now(), operator(c, req.RequestedBy)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"device_id": id, "manual_wake_at": req.At.UTC()})
}

type scheduleRequest struct {
	Expr string `json:"expr" binding:"required"`
}

// UpdateSchedule 更换唤醒计划
// @Summary 更换唤醒计划
// @Tags 设备
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Param request body scheduleRequest true "cron 表达式"
// @Success 200 {object} map[string]interface{} "新的下一次唤醒"
// @Failure 400 {object} map[string]interface{} "表达式非法"
// @Failure 404 {object} map[string]interface{} "设备不存在"
// @Router /api/devices/{device_id}/schedule [put]
func (h *Handler) UpdateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := c.Param("device_id")
	next, err := h.d.Devices.UpdateSchedule(c.Request.Context(), id, req.Expr, h.d.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": id, "schedule": req.Expr, "next_wake_at": next.UTC()})
}

type mapRequest struct {
	SiteID   int64  `json:"site_id" binding:"required"`
	Schedule string `json:"schedule"`
}

// MapDevice 分配站点；可同时设置计划
// @Summary 分配站点
// @Tags 设备
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Param request body mapRequest true "站点与可选计划"
// @Success 200 {object} deviceDTO
// @Failure 400 {object} map[string]interface{} "参数错误"
// @Failure 404 {object} map[string]interface{} "设备或站点不存在"
// @Router /api/devices/{device_id}/map [post]
func (h *Handler) MapDevice(c *gin.Context) {
	var req mapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	id := c.Param("device_id")
	now := h.d.Now()
	if req.Schedule != "" {
		if _, err := schedule.Parse(req.Schedule); err != nil {
			h.fail(c, err)
			return
		}
	}
	if err := h.d.Sites.MapDevice(ctx, id, req.SiteID, now); err != nil {
		h.fail(c, err)
		return
	}
	if req.Schedule != "" {
		if _, err := h.d.Devices.UpdateSchedule(ctx, id, req.Schedule, now); err != nil {
			h.fail(c, err)
			return
		}
	}
	d, err := h.d.Devices.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.d.Logger.Info("device mapped", zap.String("device_id", id), zap.Int64("site_id", req.SiteID))
	c.JSON(http.StatusOK, toDeviceDTO(d))
}

// GetReliability 连通性评分（展示用，可能来自缓存）
// @Summary 连通性评分
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Param lookback query int false "回看的计划唤醒次数(1..500)"
// @Success 200 {object} map[string]interface{} "评分与等级"
// @Failure 400 {object} map[string]interface{} "lookback 越界"
// @Failure 404 {object} map[string]interface{} "设备不存在"
// @Router /api/devices/{device_id}/reliability [get]
func (h *Handler) GetReliability(c *gin.Context) {
	lookback := queryInt(c, "lookback", h.d.DefaultLookback)
	if lookback <= 0 || lookback > 500 {
		badRequest(c, "lookback must be 1..500")
		return
	}
	res, err := h.d.Reliability.Cached(c.Request.Context(), c.Param("device_id"), lookback)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListPayloads 设备最近上报
// @Summary 查询设备上报
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param device_id path string true "设备ID"
// @Param limit query int false "数量(默认50)"
// @Success 200 {object} map[string]interface{} "payloads"
// @Router /api/devices/{device_id}/payloads [get]
func (h *Handler) ListPayloads(c *gin.Context) {
	list, err := h.d.Records.ListPayloads(c.Request.Context(), c.Param("device_id"), queryInt(c, "limit", 50))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]payloadDTO, 0, len(list))
	for _, p := range list {
		out = append(out, toPayloadDTO(p))
	}
	c.JSON(http.StatusOK, gin.H{"payloads": out})
}

type siteRequest struct {
	Name     string `json:"name" binding:"required"`
	Timezone string `json:"timezone" binding:"required"`
}

// CreateSite 新建站点
// @Summary 新建站点
// @Tags 站点与会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body siteRequest true "名称与时区"
// @Success 201 {object} map[string]interface{} "站点"
// @Failure 400 {object} map[string]interface{} "时区非法"
// @Router /api/sites [post]
func (h *Handler) CreateSite(c *gin.Context) {
	var req siteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		badRequest(c, "unknown timezone")
		return
	}
	site, err := h.d.Sites.CreateSite(c.Request.Context(), req.Name, req.Timezone)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": site.ID, "name": site.Name, "timezone": site.Timezone})
}

// GetSession 会话状态与计数
// @Summary 查询会话
// @Tags 站点与会话
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "会话ID"
// @Success 200 {object} summaryDTO
// @Failure 404 {object} map[string]interface{} "会话不存在"
// @Router /api/sessions/{id} [get]
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	sum, err := h.d.Sessions.Summarize(c.Request.Context(), id, h.d.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSummaryDTO(sum))
}

type snapshotRequest struct {
	Round *int `json:"round"`
}

// GenerateSnapshot 生成指定轮次；未指定时补齐到当前轮次
// @Summary 生成快照
// @Tags 站点与会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "会话ID"
// @Param request body snapshotRequest false "轮次，省略时补齐"
// @Success 200 {object} snapshotDTO
// @Failure 400 {object} map[string]interface{} "轮次越界"
// @Failure 404 {object} map[string]interface{} "会话不存在"
// @Router /api/sessions/{id}/snapshots [post]
func (h *Handler) GenerateSnapshot(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req snapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	ctx := c.Request.Context()
	if req.Round == nil {
		n, err := h.d.Snapshots.GenerateUpTo(ctx, id, h.d.Now())
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "generated": n})
		return
	}
	snap, err := h.d.Snapshots.Generate(ctx, id, *req.Round)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSnapshotDTO(snap))
}

// ListSnapshots 会话已生成的快照
// @Summary 查询快照
// @Tags 站点与会话
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "会话ID"
// @Success 200 {object} map[string]interface{} "snapshots"
// @Router /api/sessions/{id}/snapshots [get]
func (h *Handler) ListSnapshots(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	list, err := h.d.SnapshotReader.List(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]snapshotDTO, 0, len(list))
	for _, s := range list {
		out = append(out, toSnapshotDTO(s))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out})
}

// QueueStats 指令状态分布
// @Summary 指令队列统计
// @Tags 指令
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} map[string]interface{} "by_status 与 depth"
// @Router /api/commands/stats [get]
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.d.Commands.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make(map[string]int64, len(stats))
	var depth int64
	for st, n := range stats {
		out[string(st)] = n
		if st == command.StatusPending || st == command.StatusSent {
			depth += n
		}
	}
	c.JSON(http.StatusOK, gin.H{"by_status": out, "depth": depth})
}
