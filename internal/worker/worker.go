package worker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"CollisionWarningService/internal/latency"
	"CollisionWarningService/internal/pipeline"
	"CollisionWarningService/internal/protocol"
	"CollisionWarningService/internal/task"
)

const (
	// DefaultDequeueTimeout 出队轮询超时，决定停止信号的响应上限
	DefaultDequeueTimeout = 1 * time.Second
	// DefaultStartupWindow Worker上报存活的最长等待时间
	DefaultStartupWindow = 5 * time.Second
)

// ErrStartupTimeout Worker未在启动窗口内上报存活
var ErrStartupTimeout = errors.New("worker did not report alive within startup window")

// PublishFunc 结果发布能力，构造时注入，Worker不感知传输层
type PublishFunc func(result protocol.ResultEnvelope)

// Options Worker可选参数
type Options struct {
	Name           string
	DequeueTimeout time.Duration
	LatencyWindow  int
}

// Worker 绑定到单个会话的流水线执行体。独占一组
// detector/tracker/camera/guard 实例，在自己的goroutine里
// 排空队列，处理热路径上无任何共享状态。
type Worker struct {
	name    string
	queue   *task.Queue
	pipe    pipeline.Set
	publish PublishFunc

	dequeueTimeout time.Duration
	latencies      *latency.Recorder

	ready     chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	framesProcessed atomic.Uint64
	framesFailed    atomic.Uint64
}

// New 创建Worker。queue和pipe归该Worker独占。
func New(queue *task.Queue, pipe pipeline.Set, publish PublishFunc, opts Options) *Worker {
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = DefaultDequeueTimeout
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}

	return &Worker{
		name:           opts.Name,
		queue:          queue,
		pipe:           pipe,
		publish:        publish,
		dequeueTimeout: opts.DequeueTimeout,
		latencies:      latency.NewRecorder(opts.LatencyWindow),
		ready:          make(chan struct{}),
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start 启动排空循环，幂等
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// WaitReady 等待Worker上报存活，超出窗口返回 ErrStartupTimeout
func (w *Worker) WaitReady(window time.Duration) error {
	if window <= 0 {
		window = DefaultStartupWindow
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		return ErrStartupTimeout
	}
}

// Stop 发出停止信号，幂等，不中断正在进行的迭代
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

// Join 阻塞直到排空循环完全退出
func (w *Worker) Join() {
	<-w.done
}

// Latencies 该Worker的延迟记录器，供心跳聚合器读取
func (w *Worker) Latencies() *latency.Recorder {
	return w.latencies
}

// FramesProcessed 成功处理的帧数
func (w *Worker) FramesProcessed() uint64 {
	return w.framesProcessed.Load()
}

// FramesFailed 处理失败被跳过的帧数
func (w *Worker) FramesFailed() uint64 {
	return w.framesFailed.Load()
}

// run 排空循环。停止信号通过出队超时轮询观察，
// 正在处理的帧总是先处理完。
func (w *Worker) run() {
	defer close(w.done)

	close(w.ready)
	log.Printf("[%s] worker running", w.name)

	for {
		select {
		case <-w.stopChan:
			log.Printf("[%s] worker stopping", w.name)
			return
		default:
		}

		env, err := w.queue.Dequeue(w.dequeueTimeout)
		if err != nil {
			// 超时只是轮询周期，回头检查停止信号
			continue
		}

		w.iterate(env)
	}
}

// iterate 处理单帧。任何失败（错误或panic）都被记录并跳过，
// 不发布部分结果，单个坏帧绝不能杀死Worker。
func (w *Worker) iterate(env task.FrameEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			w.framesFailed.Add(1)
			log.Printf("[%s] panic during frame processing: %v", w.name, r)
		}
	}()

	env.PreProcessNS = time.Now().UnixNano()

	tracked, err := w.processImage(env.Image)
	if err != nil {
		w.framesFailed.Add(1)
		log.Printf("[%s] frame processing failed: %v", w.name, err)
		return
	}

	env.PostProcessNS = time.Now().UnixNano()
	w.latencies.Record(time.Duration(env.PostProcessNS - env.PreProcessNS))

	result := w.assembleResult(env, tracked)
	w.framesProcessed.Add(1)
	w.publish(result)
}

// processImage 执行 检测 → 跟踪 → 轨迹过滤 → 投影 → 危险评估
func (w *Worker) processImage(img pipeline.Image) ([]pipeline.TrackedObject, error) {
	detections, err := w.pipe.Detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	objects := w.pipe.Tracker.Update(detections)

	// 只保留已确认且当前可见的轨迹，抑制新生和过期轨迹
	minHits := w.pipe.Tracker.MinHits()
	confirmed := make([]pipeline.TrackedObject, 0, len(objects))
	for _, obj := range objects {
		if obj.HitStreak > minHits && obj.TimeSinceUpdate < 1 {
			confirmed = append(confirmed, obj)
		}
	}

	points := w.pipe.Camera.Project(confirmed)
	w.pipe.Guard.Update(points)

	return confirmed, nil
}

// assembleResult 组装结果信封。所有时间戳引用同一原始帧。
func (w *Worker) assembleResult(env task.FrameEnvelope, tracked []pipeline.TrackedObject) protocol.ResultEnvelope {
	dangerous := w.pipe.Guard.DangerousObjects()

	detections := make(map[int64]protocol.ResultDetection, len(tracked))
	for _, obj := range tracked {
		det := protocol.ResultDetection{BBox: obj.BBox}
		if hz, ok := dangerous[obj.ID]; ok {
			det.DangerousDistance = hz.Distance
		}
		detections[obj.ID] = det
	}

	return protocol.ResultEnvelope{
		CaptureTimestampNS: env.CaptureTimestampNS,
		RecvTimestampNS:    env.RecvTimestampNS,
		PreProcessNS:       env.PreProcessNS,
		PostProcessNS:      env.PostProcessNS,
		SendTimestampNS:    time.Now().UnixNano(),
		Detections:         detections,
	}
}
