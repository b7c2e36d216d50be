package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"memberchat/internal/auth"
	"memberchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc  *service.UserService
	roomSvc  *service.RoomService
	msgSvc   *service.MessageService
	resolver *auth.Resolver
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService, resolver *auth.Resolver) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, resolver: resolver}
}

// writeError 把业务错误映射为 {"error","kind"} 响应，未知错误记录日志后返回 500。
func writeError(c *gin.Context, op string, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, service.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrForbidden):
		status, kind = http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrInvalidRoom):
		status, kind = http.StatusBadRequest, "invalid"
	case errors.Is(err, service.ErrPhoneTaken):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, auth.ErrUnauthenticated):
		status, kind = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrUnapproved):
		status, kind = http.StatusForbidden, "unapproved"
	case errors.Is(err, auth.ErrExpired):
		status, kind = http.StatusForbidden, "expired"
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(status, gin.H{"error": op + " failed", "kind": kind})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": "invalid"})
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func validCredentials(phone, password string) bool {
	return phone != "" && len(phone) <= 32 && len(password) >= 4 && len(password) <= 128
}

// Register 处理用户注册请求；新账号为未审批的 member。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Phone    string `json:"phone"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Phone, req.Name = strings.TrimSpace(req.Phone), strings.TrimSpace(req.Name)
	if !validCredentials(req.Phone, req.Password) || req.Name == "" || len(req.Name) > 64 {
		badRequest(c, "invalid payload")
		return
	}
	user, err := h.userSvc.Register(c.Request.Context(), req.Phone, req.Name, req.Password)
	if err != nil {
		writeError(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// Login 接受表单或 JSON，username 字段为手机号。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `form:"username" json:"username"`
		Password string `form:"password" json:"password"`
	}
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"token_type":    "bearer",
		"user":          result.User,
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		writeError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Me(c *gin.Context) {
	user, _ := auth.CurrentUser(c)
	c.JSON(http.StatusOK, user)
}

func (h *Handler) ListFreeRooms(c *gin.Context) {
	h.listRooms(c, service.RoomsFree)
}

// ListRooms 列出全部房间需要登录；?type=free 时公开。
func (h *Handler) ListRooms(c *gin.Context) {
	if c.Query("type") == "free" {
		h.listRooms(c, service.RoomsFree)
		return
	}
	auth.Required(h.resolver)(c)
	if c.IsAborted() {
		return
	}
	h.listRooms(c, service.RoomsAll)
}

func (h *Handler) listRooms(c *gin.Context, filter service.RoomFilter) {
	rooms, err := h.roomSvc.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, "list rooms", err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *Handler) GetRoom(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	room, err := h.roomSvc.Describe(c.Request.Context(), id)
	if err != nil {
		writeError(c, "get room", err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// CreateRoom 仅 admin 可调用。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name        string  `json:"name"`
		RoomType    string  `json:"room_type"`
		IsFree      bool    `json:"is_free"`
		Description *string `json:"description"`
		Price       *int    `json:"price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), service.RoomInput{
		Name:        req.Name,
		RoomType:    req.RoomType,
		IsFree:      req.IsFree,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		writeError(c, "create room", err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

// ListMessages 返回房间最近的消息，按时间升序。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := idParam(c, "room_id")
	if !ok {
		return
	}
	limit := service.MaxHistory
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := h.msgSvc.ListByRoom(c.Request.Context(), roomID, limit)
	if err != nil {
		writeError(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// PostMessage 是消息网关的 HTTP 入口。
func (h *Handler) PostMessage(c *gin.Context) {
	var req struct {
		RoomID      uint   `json:"room_id"`
		Content     string `json:"content"`
		MessageType string `json:"message_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == 0 {
		badRequest(c, "invalid payload")
		return
	}
	user, _ := auth.CurrentUser(c)
	msg, err := h.msgSvc.Submit(c.Request.Context(), user, req.RoomID, req.Content, req.MessageType)
	if err != nil {
		writeError(c, "submit message", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListUsers 供管理员查看账号；?pending=true 只看待审批的。
func (h *Handler) ListUsers(c *gin.Context) {
	pending, _ := strconv.ParseBool(c.DefaultQuery("pending", "false"))
	users, err := h.userSvc.ListUsers(c.Request.Context(), pending)
	if err != nil {
		writeError(c, "list users", err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) ApproveUser(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	user, err := h.userSvc.Approve(c.Request.Context(), id)
	if err != nil {
		writeError(c, "approve user", err)
		return
	}
	log.Info().Uint("user_id", id).Uint("by", auth.GetUserID(c)).Msg("user approved")
	c.JSON(http.StatusOK, user)
}

// SetExpiry 接受 {"expiry_date": RFC3339 | null}；null 表示永久有效。
func (h *Handler) SetExpiry(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		ExpiryDate *time.Time `json:"expiry_date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	user, err := h.userSvc.SetExpiry(c.Request.Context(), id, req.ExpiryDate)
	if err != nil {
		writeError(c, "set expiry", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) CreateStaff(c *gin.Context) {
	var req struct {
		Phone    string `json:"phone"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Phone, req.Name = strings.TrimSpace(req.Phone), strings.TrimSpace(req.Name)
	if !validCredentials(req.Phone, req.Password) || req.Name == "" || len(req.Name) > 64 {
		badRequest(c, "invalid payload")
		return
	}
	user, err := h.userSvc.CreateStaff(c.Request.Context(), req.Phone, req.Name, req.Password)
	if err != nil {
		writeError(c, "create staff", err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) ChangePassword(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Password) < 4 || len(req.Password) > 128 {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.userSvc.ChangePassword(c.Request.Context(), id, req.Password); err != nil {
		writeError(c, "change password", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
