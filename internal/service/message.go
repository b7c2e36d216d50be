package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"memberchat/internal/auth"
	"memberchat/internal/events"
	"memberchat/internal/metrics"
	"memberchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	MaxHistory     = 100
	publishTimeout = 5 * time.Second
)

// Broadcaster 由连接注册表实现，投递失败在内部吞掉。
type Broadcaster interface {
	Broadcast(roomID uint, payload []byte) int
}

// EventPublisher 把领域事件交给外部消息总线；可以为 nil。
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// MessageService 负责消息的持久化、历史查询，以及提交后的实时推送。
type MessageService struct {
	db     *gorm.DB
	rooms  *RoomService
	hub    Broadcaster
	events EventPublisher
	now    func() time.Time
}

func NewMessageService(db *gorm.DB, rooms *RoomService, hub Broadcaster, pub EventPublisher) *MessageService {
	return &MessageService{db: db, rooms: rooms, hub: hub, events: pub, now: time.Now}
}

// MessageDTO 既是历史接口的输出，也是实时广播的线上格式。
type MessageDTO struct {
	ID          uint      `json:"id"`
	RoomID      uint      `json:"room_id"`
	UserID      *uint     `json:"user_id"`
	UserName    *string   `json:"user_name"`
	UserRole    *string   `json:"user_role"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	CreatedAt   time.Time `json:"created_at"`
}

type author struct {
	name string
	role string
}

// Submit 校验房间与发送者权限后落库，再广播给房间内的实时连接。
// 免费房间只允许 admin / sub_admin 发言；付费房间不再重复校验会员资格。
// 校验全部发生在写库之前；广播与事件发布失败不会让 Submit 失败。
func (s *MessageService) Submit(ctx context.Context, sender *models.User, roomID uint, content, messageType string) (*MessageDTO, error) {
	if sender == nil {
		return nil, auth.ErrUnauthenticated
	}
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsFree && !sender.IsStaff() {
		return nil, fmt.Errorf("%w: only admin and sub_admin may post in free rooms", ErrForbidden)
	}
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	uid := sender.ID
	msg := models.Message{
		RoomID:      room.ID,
		UserID:      &uid,
		Content:     content,
		MessageType: messageType,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()

	name, role := sender.Name, sender.Role
	dto := &MessageDTO{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		UserName:    &name,
		UserRole:    &role,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		CreatedAt:   msg.CreatedAt,
	}
	payload, err := json.Marshal(dto)
	if err != nil {
		log.Error().Err(err).Uint("message_id", msg.ID).Msg("marshal broadcast payload")
		return dto, nil
	}
	delivered := s.hub.Broadcast(room.ID, payload)
	log.Debug().Uint("message_id", msg.ID).Uint("room_id", room.ID).Int("delivered", delivered).Msg("message broadcast")
	s.publish(payload, msg.ID)
	return dto, nil
}

func (s *MessageService) publish(payload []byte, messageID uint) {
	if s.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.events.Publish(ctx, events.KeyMessageCreated, payload); err != nil {
			log.Warn().Err(err).Uint("message_id", messageID).Msg("publish message created")
		}
	}()
}

// ListByRoom 返回房间最近的 limit 条消息（上限 100），按时间升序。
func (s *MessageService) ListByRoom(ctx context.Context, roomID uint, limit int) ([]MessageDTO, error) {
	if limit <= 0 || limit > MaxHistory {
		limit = MaxHistory
	}
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).
		Order("created_at desc").Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	authors, err := s.resolveAuthors(ctx, msgs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		dto := MessageDTO{
			ID:          m.ID,
			RoomID:      m.RoomID,
			UserID:      m.UserID,
			Content:     m.Content,
			MessageType: m.MessageType,
			CreatedAt:   m.CreatedAt,
		}
		if m.UserID != nil {
			if a, ok := authors[*m.UserID]; ok {
				name, role := a.name, a.role
				dto.UserName, dto.UserRole = &name, &role
			}
		}
		out = append(out, dto)
	}
	return out, nil
}

// resolveAuthors 批量获取消息作者的名字和角色。
func (s *MessageService) resolveAuthors(ctx context.Context, msgs []models.Message) (map[uint]author, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if m.UserID == nil {
			continue
		}
		if _, ok := seen[*m.UserID]; ok {
			continue
		}
		seen[*m.UserID] = struct{}{}
		userIDs = append(userIDs, *m.UserID)
	}

	authors := make(map[uint]author, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Select("id", "name", "role").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			authors[u.ID] = author{name: u.Name, role: u.Role}
		}
	}
	return authors, nil
}
