package task

import (
	"errors"
	"time"

	"CollisionWarningService/internal/pipeline"
)

// DefaultCapacity 默认队列容量。容量1天然避免过期帧堆积：
// 队列里永远只有最新被接受的一帧。
const DefaultCapacity = 1

var (
	// ErrBackpressure 队列已满，帧被拒绝（丢弃，不缓冲）
	ErrBackpressure = errors.New("frame rejected: queue at capacity")
	// ErrTimeout 出队等待超时，属于轮询周期而非错误状态
	ErrTimeout = errors.New("dequeue timed out")
)

// FrameEnvelope 一个处理单元：图像加全链路时间戳。
// 所有时间戳为 time.Now().UnixNano() 形式。
type FrameEnvelope struct {
	Image              pipeline.Image
	CaptureTimestampNS int64
	RecvTimestampNS    int64
	PreProcessNS       int64
	PostProcessNS      int64
}

// Queue 单生产者单消费者的有界帧通道，传输回调和Worker之间的交接点。
// 入队永不阻塞，满了直接失败；FIFO，不重排不合并。
type Queue struct {
	ch chan FrameEnvelope
}

// NewQueue 创建指定容量的队列，容量小于1时取默认值
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch: make(chan FrameEnvelope, capacity),
	}
}

// TryEnqueue 非阻塞入队；队列满时立即返回 ErrBackpressure，
// 调用方必须把该帧作为被拒绝处理，不得缓冲重试。
func (q *Queue) TryEnqueue(env FrameEnvelope) error {
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// Dequeue 阻塞出队，最多等待 timeout。超时返回 ErrTimeout，
// 让Worker有机会检查停止信号。
func (q *Queue) Dequeue(timeout time.Duration) (FrameEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-q.ch:
		return env, nil
	case <-timer.C:
		return FrameEnvelope{}, ErrTimeout
	}
}

// Len 当前排队的帧数
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap 队列容量
func (q *Queue) Cap() int {
	return cap(q.ch)
}
