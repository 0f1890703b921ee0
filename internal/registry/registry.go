package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"CollisionWarningService/internal/protocol"
	"CollisionWarningService/internal/task"
	"CollisionWarningService/internal/worker"
)

var (
	// ErrAlreadyInitialized 会话只能初始化一次，重复尝试被拒绝且无副作用
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrUnknownSession 会话不在注册表中
	ErrUnknownSession = errors.New("unknown session")
)

// Session 一个逻辑客户端连接：队列与Worker的配对，归注册表独家管理
type Session struct {
	ID        string
	CreatedAt time.Time
	Config    protocol.InitRequest
	Queue     *task.Queue
	Worker    *worker.Worker

	// 最后被接受的帧的采集时间戳，用于过期帧检查
	lastCaptureNS atomic.Int64
}

// LastCapture 最后被接受帧的采集时间戳水位线
func (s *Session) LastCapture() int64 {
	return s.lastCaptureNS.Load()
}

// SetLastCapture 推进水位线。每个会话只有一个入队方（传输回调），
// 被拒绝的帧不得推进水位。
func (s *Session) SetLastCapture(ts int64) {
	s.lastCaptureNS.Store(ts)
}

// Registry 会话注册表：session id 到 (队列, Worker) 的唯一权威映射。
// 控制状态机在初始化/销毁时写，心跳聚合器周期性读，
// 读写锁保证聚合快照不被无关会话的变更阻塞太久。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New 创建空注册表
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create 注册新会话；id已存在时返回 ErrAlreadyInitialized，不产生副作用
func (r *Registry) Create(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.ID]; exists {
		return ErrAlreadyInitialized
	}

	r.sessions[sess.ID] = sess
	return nil
}

// Lookup 查找会话
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove 移除会话。调用方必须保证关联Worker已停止并完全退出，
// Worker仍在排空时移除属于正确性违规。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// Snapshot 返回当前全部会话的切片副本。锁只在拷贝期间持有，
// 聚合计算在快照之上进行。
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Count 当前会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
