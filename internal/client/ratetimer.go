package client

import (
	"time"
)

// RateTimer 把循环节奏校准到目标帧率。按绝对时间表推进，
// 单次迭代超时会被后续的短睡眠吃掉，平均吞吐收敛到目标值；
// 落后超过一个完整周期时重置时间表，避免追帧突刺。
type RateTimer struct {
	interval time.Duration
	next     time.Time
	overruns uint64
}

// NewRateTimer 创建目标帧率的节奏定时器
func NewRateTimer(fps float64) *RateTimer {
	if fps <= 0 {
		fps = 30
	}
	return &RateTimer{
		interval: time.Duration(float64(time.Second) / fps),
	}
}

// Interval 目标帧间隔
func (t *RateTimer) Interval() time.Duration {
	return t.interval
}

// Wait 睡眠到下一个发送时刻
func (t *RateTimer) Wait() {
	now := time.Now()

	if t.next.IsZero() {
		t.next = now.Add(t.interval)
		return
	}

	if d := t.next.Sub(now); d > 0 {
		time.Sleep(d)
	}

	t.next = t.next.Add(t.interval)
	if time.Now().After(t.next) {
		// 落后超过一个周期，从当前时刻重新排表
		t.next = time.Now().Add(t.interval)
		t.overruns++
	}
}

// Overruns 时间表被重置的次数
func (t *RateTimer) Overruns() uint64 {
	return t.overruns
}
