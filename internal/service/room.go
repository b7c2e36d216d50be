package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"memberchat/internal/cache"
	"memberchat/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// OnlineCounter 由连接注册表实现；在线人数只从内存状态实时计算，从不落库或进缓存。
type OnlineCounter interface {
	Online(roomID uint) int
}

// RoomFilter 选择房间列表的范围。
type RoomFilter string

const (
	RoomsAll  RoomFilter = "all"
	RoomsFree RoomFilter = "free"
)

// RoomService 是房间目录：读多写少，读取走 Redis cache-aside。
type RoomService struct {
	db     *gorm.DB
	cache  *cache.Cache
	online OnlineCounter
	sf     singleflight.Group
}

func NewRoomService(db *gorm.DB, c *cache.Cache, online OnlineCounter) *RoomService {
	return &RoomService{db: db, cache: c, online: online}
}

// RoomDTO 是对外输出的房间数据，online_count 在读取时填充。
type RoomDTO struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	RoomType    string    `json:"room_type"`
	IsFree      bool      `json:"is_free"`
	Description *string   `json:"description"`
	Price       *int      `json:"price"`
	OnlineCount int       `json:"online_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoomInput 是创建房间的输入。
type RoomInput struct {
	Name        string
	RoomType    string
	IsFree      bool
	Description *string
	Price       *int
}

func (s *RoomService) toDTO(r models.Room) RoomDTO {
	return RoomDTO{
		ID:          r.ID,
		Name:        r.Name,
		RoomType:    r.RoomType,
		IsFree:      r.IsFree,
		Description: r.Description,
		Price:       r.Price,
		OnlineCount: s.online.Online(r.ID),
		CreatedAt:   r.CreatedAt,
	}
}

func roomKey(id uint) string { return "room:" + strconv.FormatUint(uint64(id), 10) }

func roomListKey(f RoomFilter) string { return "rooms:" + string(f) }

// Get 按 id 查询房间，不存在时返回 ErrNotFound。并发未命中合并为一次数据库查询。
func (s *RoomService) Get(ctx context.Context, id uint) (*models.Room, error) {
	var cached models.Room
	if found, err := s.cache.Get(ctx, roomKey(id), &cached); err != nil {
		log.Warn().Err(err).Uint("room_id", id).Msg("room cache get")
	} else if found {
		return &cached, nil
	}

	v, err, _ := s.sf.Do(roomKey(id), func() (interface{}, error) {
		var room models.Room
		if err := s.db.WithContext(ctx).First(&room, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if err := s.cache.Set(ctx, roomKey(id), room); err != nil {
			log.Warn().Err(err).Uint("room_id", id).Msg("room cache set")
		}
		return &room, nil
	})
	if err != nil {
		return nil, err
	}
	room := *v.(*models.Room)
	return &room, nil
}

// Describe 返回带在线人数的房间详情。
func (s *RoomService) Describe(ctx context.Context, id uint) (*RoomDTO, error) {
	room, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := s.toDTO(*room)
	return &dto, nil
}

// List 返回房间列表，附带各房间的在线人数。
func (s *RoomService) List(ctx context.Context, filter RoomFilter) ([]RoomDTO, error) {
	if filter != RoomsFree {
		filter = RoomsAll
	}
	var rooms []models.Room
	found, err := s.cache.Get(ctx, roomListKey(filter), &rooms)
	if err != nil {
		log.Warn().Err(err).Str("filter", string(filter)).Msg("room list cache get")
	}
	if !found {
		v, err, _ := s.sf.Do(roomListKey(filter), func() (interface{}, error) {
			var out []models.Room
			q := s.db.WithContext(ctx).Order("id asc")
			if filter == RoomsFree {
				q = q.Where("is_free = ?", true)
			}
			if err := q.Find(&out).Error; err != nil {
				return nil, err
			}
			if err := s.cache.Set(ctx, roomListKey(filter), out); err != nil {
				log.Warn().Err(err).Msg("room list cache set")
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}
		rooms = v.([]models.Room)
	}

	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, s.toDTO(r))
	}
	return out, nil
}

// Create 创建新房间并使列表缓存失效。
func (s *RoomService) Create(ctx context.Context, in RoomInput) (*RoomDTO, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.RoomType = strings.TrimSpace(in.RoomType)
	if in.Name == "" || len(in.Name) > 128 || in.RoomType == "" || len(in.RoomType) > 32 {
		return nil, fmt.Errorf("%w: name and room_type are required", ErrInvalidRoom)
	}
	if in.Price != nil && *in.Price < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidRoom)
	}
	room := models.Room{
		Name:        in.Name,
		RoomType:    in.RoomType,
		IsFree:      in.IsFree,
		Description: in.Description,
		Price:       in.Price,
	}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		return nil, err
	}
	if err := s.cache.Delete(ctx, roomListKey(RoomsAll), roomListKey(RoomsFree)); err != nil {
		log.Warn().Err(err).Msg("room list cache invalidate")
	}
	dto := s.toDTO(room)
	return &dto, nil
}
