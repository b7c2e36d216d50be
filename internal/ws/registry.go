package ws

import (
	"sync"

	"memberchat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Sink 是注册表眼中的一条实时连接。实现必须可比较（通常是指针类型），
// Send 不应长时间阻塞，否则会拖慢同房间的后续广播。
type Sink interface {
	Send(payload []byte) error
}

// Registry 维护 房间 → 有序连接集合 与 用户 → 当前连接 两张表。
// 同一用户再次连接时覆盖用户表，但不会把旧连接踢出房间；旧连接直到自己断开才离开。
type Registry struct {
	mu    sync.RWMutex
	rooms map[uint]*roomSet
	users map[uint]Sink
}

type roomSet struct {
	mu    sync.Mutex
	conns []Sink
	// deliver 串行化同一房间的广播，保证每条连接看到的顺序一致。
	deliver sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[uint]*roomSet), users: make(map[uint]Sink)}
}

// room 返回房间的连接集合；create 为 true 时懒加载。
func (r *Registry) room(roomID uint, create bool) *roomSet {
	r.mu.RLock()
	rs := r.rooms[roomID]
	r.mu.RUnlock()
	if rs != nil || !create {
		return rs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs = r.rooms[roomID]; rs != nil {
		return rs
	}
	rs = &roomSet{}
	r.rooms[roomID] = rs
	return rs
}

// Join 把连接登记到房间；userID 为 0 表示匿名。重复登记同一连接不会产生第二个条目。
func (r *Registry) Join(conn Sink, roomID, userID uint) {
	rs := r.room(roomID, true)
	rs.mu.Lock()
	if indexOf(rs.conns, conn) < 0 {
		rs.conns = append(rs.conns, conn)
		metrics.WsConnections.Inc()
	}
	rs.mu.Unlock()

	if userID != 0 {
		r.mu.Lock()
		r.users[userID] = conn
		r.mu.Unlock()
	}
}

// Leave 把连接移出房间。用户表只有在仍指向这条连接时才会被清除，
// 避免旧标签页的断开把同一用户新建立的连接映射删掉。
func (r *Registry) Leave(conn Sink, roomID, userID uint) {
	if rs := r.room(roomID, false); rs != nil {
		rs.mu.Lock()
		if i := indexOf(rs.conns, conn); i >= 0 {
			rs.conns = append(rs.conns[:i:i], rs.conns[i+1:]...)
			metrics.WsConnections.Dec()
		}
		rs.mu.Unlock()
	}

	if userID != 0 {
		r.mu.Lock()
		if cur, ok := r.users[userID]; ok && cur == conn {
			delete(r.users, userID)
		}
		r.mu.Unlock()
	}
}

// Broadcast 按登记顺序把 payload 投递给房间内的每条连接，返回成功投递数。
// 单条连接失败只记录日志和指标，不影响其他连接，也不会把它移出房间；
// 移除只由传输层断开后的 Leave 完成。
func (r *Registry) Broadcast(roomID uint, payload []byte) int {
	rs := r.room(roomID, false)
	if rs == nil {
		return 0
	}
	rs.deliver.Lock()
	defer rs.deliver.Unlock()

	delivered := 0
	for _, conn := range rs.snapshot() {
		if err := conn.Send(payload); err != nil {
			metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
			log.Debug().Err(err).Uint("room_id", roomID).Msg("broadcast delivery failed")
			continue
		}
		metrics.BroadcastDeliveries.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered
}

// Online 返回房间当前的连接数（按连接计，同一用户多个标签页分别计数）。
func (r *Registry) Online(roomID uint) int {
	rs := r.room(roomID, false)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.conns)
}

// UserConn 返回用户最近一次登记的连接。
func (r *Registry) UserConn(userID uint) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.users[userID]
	return conn, ok
}

// CloseAll 关闭所有实现了 Close 的连接，用于优雅停服；
// 连接各自的会话随后会走正常的 Leave 流程。
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	sets := make([]*roomSet, 0, len(r.rooms))
	for _, rs := range r.rooms {
		sets = append(sets, rs)
	}
	r.mu.RUnlock()

	closed := 0
	for _, rs := range sets {
		for _, conn := range rs.snapshot() {
			if c, ok := conn.(interface{ Close() error }); ok {
				_ = c.Close()
				closed++
			}
		}
	}
	return closed
}

func (rs *roomSet) snapshot() []Sink {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Sink, len(rs.conns))
	copy(out, rs.conns)
	return out
}

func indexOf(conns []Sink, conn Sink) int {
	for i, c := range conns {
		if c == conn {
			return i
		}
	}
	return -1
}
