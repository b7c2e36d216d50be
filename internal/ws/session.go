package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"memberchat/internal/metrics"
	"memberchat/internal/models"
	"memberchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

type RoomLookup interface {
	Get(ctx context.Context, id uint) (*models.Room, error)
}

type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SystemEvent 是进出房间等系统通知的线上格式。
type SystemEvent struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session 驱动一条实时连接的生命周期：Connecting → Joined → Closed。
// 认证是可选的：token 缺失、非法、过期或账号未通过审批时都以匿名身份加入。
type Session struct {
	reg    *Registry
	client *Client
	state  State
	roomID uint
	user   *models.User
}

// Serve 处理 GET /ws/:room_id?token=...。该通道只下行推送，客户端的聊天内容走 POST /api/messages。
func Serve(reg *Registry, rooms RoomLookup, ids IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Msg("ws upgrade")
			return
		}
		s := &Session{reg: reg, client: newClient(conn), state: StateConnecting}
		s.run(c.Request.Context(), c.Param("room_id"), c.Query("token"), rooms, ids)
	}
}

func (s *Session) run(ctx context.Context, rawRoomID, token string, rooms RoomLookup, ids IdentityResolver) {
	if !s.connect(ctx, rawRoomID, token, rooms, ids) {
		return
	}
	s.join()
	err := s.client.readPump()
	s.close(err)
}

func (s *Session) transition(to State) {
	log.Debug().Str("conn_id", s.client.ID()).Uint("room_id", s.roomID).
		Str("from", s.state.String()).Str("to", to.String()).Msg("session state")
	s.state = to
}

// connect 完成可选认证和房间校验；房间不存在时以 1008 关闭，返回 false。
func (s *Session) connect(ctx context.Context, rawRoomID, token string, rooms RoomLookup, ids IdentityResolver) bool {
	if token != "" {
		user, err := ids.Resolve(ctx, token)
		if err != nil {
			log.Debug().Err(err).Str("conn_id", s.client.ID()).Msg("ws identity unresolved, continuing anonymous")
		} else {
			s.user = user
		}
	}

	id, err := strconv.ParseUint(rawRoomID, 10, 64)
	if err != nil || id == 0 {
		s.reject(websocket.ClosePolicyViolation, "room not found")
		return false
	}
	s.roomID = uint(id)
	if _, err := rooms.Get(ctx, s.roomID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			s.reject(websocket.ClosePolicyViolation, "room not found")
		} else {
			log.Error().Err(err).Uint("room_id", s.roomID).Msg("ws room lookup")
			s.reject(websocket.CloseInternalServerErr, "room lookup failed")
		}
		return false
	}
	return true
}

func (s *Session) reject(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = s.client.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.client.conn.Close()
	s.transition(StateClosed)
}

func (s *Session) userID() uint {
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

func (s *Session) join() {
	s.reg.Join(s.client, s.roomID, s.userID())
	s.transition(StateJoined)
	go s.client.writePump()
	log.Info().Str("conn_id", s.client.ID()).Uint("room_id", s.roomID).Uint("user_id", s.userID()).
		Int("online", s.reg.Online(s.roomID)).Msg("ws joined")
	if s.user != nil {
		s.announce("joined", fmt.Sprintf("%s joined the room", s.user.Name))
	}
}

func (s *Session) close(cause error) {
	s.reg.Leave(s.client, s.roomID, s.userID())
	_ = s.client.Close()
	s.transition(StateClosed)
	var ev *zerolog.Event
	if cause != nil && websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ev = log.Warn().Err(cause)
	} else {
		ev = log.Info()
	}
	ev.Str("conn_id", s.client.ID()).Uint("room_id", s.roomID).Uint("user_id", s.userID()).Msg("ws closed")
	if s.user != nil {
		s.announce("left", fmt.Sprintf("%s left the room", s.user.Name))
	}
}

func (s *Session) announce(kind, message string) {
	b, err := json.Marshal(SystemEvent{Type: "system", Message: message, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	metrics.PresenceEvents.WithLabelValues(kind).Inc()
	s.reg.Broadcast(s.roomID, b)
}
