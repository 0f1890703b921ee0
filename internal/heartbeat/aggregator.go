package heartbeat

import (
	"log"
	"sync"
	"time"

	"CollisionWarningService/internal/latency"
	"CollisionWarningService/internal/protocol"
	"CollisionWarningService/internal/registry"
)

// DefaultInterval 默认上报周期
const DefaultInterval = 5 * time.Second

// EmitFunc 遥测报告的外发能力。发送失败只记录日志，定时器继续。
type EmitFunc func(report protocol.TelemetryReport) error

// Aggregator 心跳聚合器：固定周期对注册表做快照，
// 汇总各Worker的延迟记录，外发一份遥测报告。
// 快照后计算，不在聚合期间长持注册表锁。
type Aggregator struct {
	reg       *registry.Registry
	interval  time.Duration
	queueSize int
	emit      EmitFunc

	mu     sync.Mutex
	last   protocol.TelemetryReport
	ticks  uint64
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New 创建聚合器。queueSize为配置的队列容量，随报告上报。
func New(reg *registry.Registry, interval time.Duration, queueSize int, emit EmitFunc) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		reg:       reg,
		interval:  interval,
		queueSize: queueSize,
		emit:      emit,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 启动定时循环
func (a *Aggregator) Start() {
	go a.loop()
}

// Stop 停止定时循环并等待退出，幂等
func (a *Aggregator) Stop() {
	a.once.Do(func() {
		close(a.stopCh)
	})
	<-a.done
}

// Last 最近一次生成的报告
func (a *Aggregator) Last() protocol.TelemetryReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Aggregator) loop() {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			report := a.Collect()
			if err := a.emit(report); err != nil {
				log.Printf("emit telemetry report failed: %v", err)
			}
		}
	}
}

// Collect 生成一份报告：全部会话样本的平均延迟（无样本为0）、
// 会话数、队列占用率（len/cap的会话均值）。
func (a *Aggregator) Collect() protocol.TelemetryReport {
	sessions := a.reg.Snapshot()

	var samples []time.Duration
	var occupancy float64
	for _, sess := range sessions {
		samples = append(samples, sess.Worker.Latencies().Snapshot()...)
		occupancy += float64(sess.Queue.Len()) / float64(sess.Queue.Cap())
	}
	if len(sessions) > 0 {
		occupancy /= float64(len(sessions))
	}

	report := protocol.TelemetryReport{
		AvgLatencyNS:   float64(latency.Mean(samples)),
		QueueSize:      a.queueSize,
		QueueOccupancy: occupancy,
		SessionCount:   len(sessions),
		UnixMS:         time.Now().UnixMilli(),
	}

	a.mu.Lock()
	a.last = report
	a.ticks++
	a.mu.Unlock()

	return report
}
