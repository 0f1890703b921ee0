package latency

import (
	"sync"
	"time"
)

// DefaultWindow 默认滚动窗口大小
const DefaultWindow = 100

// Recorder 单个Worker的处理延迟滚动记录。
// Worker线程写入，心跳聚合器读取，互斥保护。
type Recorder struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

// NewRecorder 创建指定窗口大小的延迟记录器
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Recorder{
		samples: make([]time.Duration, window),
	}
}

// Record 记录一次处理延迟；窗口满后覆盖最旧的样本
func (r *Recorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

// Snapshot 返回当前窗口内全部样本的副本
func (r *Recorder) Snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.samples)
	}

	out := make([]time.Duration, n)
	copy(out, r.samples[:n])
	return out
}

// Len 返回当前记录的样本数
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled {
		return len(r.samples)
	}
	return r.next
}

// Mean 计算样本集合的平均延迟；空集合返回0
func Mean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}
