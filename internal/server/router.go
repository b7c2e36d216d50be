package server

import (
	"net/http"
	"time"

	"memberchat/internal/auth"
	"memberchat/internal/cache"
	"memberchat/internal/config"
	"memberchat/internal/metrics"
	"memberchat/internal/models"
	"memberchat/internal/mw"
	"memberchat/internal/service"
	"memberchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是路由依赖的可选外部组件；零值表示禁用缓存和事件发布。
type Deps struct {
	Cache   *cache.Cache
	Events  service.EventPublisher
	Limiter *mw.RL
}

// NewLimiter 按配置创建限速器；RPS 未配置时不限速。
func NewLimiter(cfg config.Config) *mw.RL {
	lim := rate.Limit(cfg.RateLimitRPS)
	if cfg.RateLimitRPS <= 0 {
		lim = rate.Inf
	}
	return mw.NewRateLimiter(lim, cfg.RateLimitBurst, 2*time.Minute)
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, reg *ws.Registry, deps Deps) *gin.Engine {
	resolver := auth.NewResolver(gdb, cfg.JWTSecret)
	rooms := service.NewRoomService(gdb, deps.Cache, reg)
	msgs := service.NewMessageService(gdb, rooms, reg, deps.Events)
	users := service.NewUserService(gdb, cfg)
	h := NewHandler(users, rooms, msgs, resolver)

	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewLimiter(cfg)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(limiter.Middleware(mw.ByIPAndRoute))

	api.POST("/register", h.Register)
	api.POST("/token", h.Login)
	api.POST("/token/refresh", h.RefreshToken)

	api.GET("/rooms/free", h.ListFreeRooms)
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:id", h.GetRoom)
	api.GET("/messages/:room_id", h.ListMessages)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.Required(resolver))
	authed.GET("/me", h.Me)
	authed.GET("/users/me", h.Me)
	authed.POST("/messages", limiter.Middleware(mw.ByUser), h.PostMessage)

	admin := api.Group("")
	admin.Use(auth.Required(resolver), auth.RequireRole(models.RoleAdmin))
	admin.POST("/rooms", h.CreateRoom)
	admin.GET("/admin/users", h.ListUsers)
	admin.POST("/admin/users/:id/approve", h.ApproveUser)
	admin.PUT("/admin/users/:id/expiry", h.SetExpiry)
	admin.PUT("/admin/users/:id/password", h.ChangePassword)
	admin.POST("/admin/staff", h.CreateStaff)

	r.GET("/ws/:room_id", ws.Serve(reg, rooms, resolver))
	return r
}
