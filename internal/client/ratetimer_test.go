package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRateTimerInterval 间隔由帧率换算，非法帧率回退到30
func TestRateTimerInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, NewRateTimer(10).Interval())
	assert.Equal(t, time.Second/30, NewRateTimer(0).Interval())
	assert.Equal(t, time.Second/30, NewRateTimer(-5).Interval())
}

// TestRateTimerPacing 空载循环的总耗时收敛到 帧数×间隔
func TestRateTimerPacing(t *testing.T) {
	const frames = 5
	timer := NewRateTimer(50) // 20ms间隔

	start := time.Now()
	for i := 0; i < frames; i++ {
		timer.Wait()
	}
	elapsed := time.Since(start)

	// 第一次Wait只排表不睡眠，之后每帧一个间隔
	assert.GreaterOrEqual(t, elapsed, time.Duration(frames-1)*timer.Interval())
	assert.Equal(t, uint64(0), timer.Overruns())
}

// TestRateTimerOverrun 迭代超过一个完整周期时重置时间表并计数
func TestRateTimerOverrun(t *testing.T) {
	timer := NewRateTimer(100) // 10ms间隔

	timer.Wait()
	time.Sleep(3 * timer.Interval())
	timer.Wait()

	assert.GreaterOrEqual(t, timer.Overruns(), uint64(1))
}
