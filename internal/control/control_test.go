package control

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"CollisionWarningService/internal/pipeline"
	"CollisionWarningService/internal/protocol"
	"CollisionWarningService/internal/registry"
	"CollisionWarningService/internal/task"
)

// gateDetector 可阻塞的检测器：gate非nil时每次Detect都等待放行
type gateDetector struct {
	gate    chan struct{} // 每处理一帧消费一个放行令牌
	started chan struct{} // 首次进入Detect时关闭
	once    sync.Once
}

func (d *gateDetector) Detect(img pipeline.Image) ([]pipeline.Detection, error) {
	if d.started != nil {
		d.once.Do(func() { close(d.started) })
	}
	if d.gate != nil {
		<-d.gate
	}
	return []pipeline.Detection{{BBox: [4]float64{0, 0, 8, 8}}}, nil
}

type passTracker struct{ nextID int64 }

func (t *passTracker) MinHits() int { return 0 }

func (t *passTracker) Update(detections []pipeline.Detection) []pipeline.TrackedObject {
	out := make([]pipeline.TrackedObject, 0, len(detections))
	for _, det := range detections {
		t.nextID++
		out = append(out, pipeline.TrackedObject{ID: t.nextID, BBox: det.BBox, HitStreak: 1})
	}
	return out
}

type noGuard struct{}

func (noGuard) Update([]pipeline.RefPoint) {}

func (noGuard) DangerousObjects() map[int64]pipeline.HazardInfo { return nil }

// testFactory 每次构造返回带指定检测器的流水线
func testFactory(det pipeline.Detector) pipeline.Factory {
	return func(config, cameraConfig *structpb.Struct, fps float64) (pipeline.Set, error) {
		return pipeline.Set{
			Detector: det,
			Tracker:  &passTracker{},
			Camera:   pipeline.UnitCamera{},
			Guard:    noGuard{},
		}, nil
	}
}

type published struct {
	mu      sync.Mutex
	results []protocol.ResultEnvelope
}

func newPublished() *published {
	return &published{}
}

func (p *published) publish(sessionID string, result protocol.ResultEnvelope) {
	p.mu.Lock()
	p.results = append(p.results, result)
	p.mu.Unlock()
}

func (p *published) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

func (p *published) wait(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.count() >= n }, 3*time.Second, 10*time.Millisecond)
}

func newController(det pipeline.Detector, pub *published, capacity int) *Controller {
	return New(registry.New(), testFactory(det), pub.publish, Options{
		QueueCapacity:  capacity,
		DequeueTimeout: 50 * time.Millisecond,
		StartupWindow:  time.Second,
	})
}

func initCmd() protocol.InitRequest {
	return protocol.InitRequest{Command: protocol.CmdInit, FPS: 30}
}

func frame(w, h int) pipeline.Image {
	return pipeline.Image{Width: w, Height: h, Pixels: make([]byte, w*h)}
}

// TestHandleFrameUnknownSession 未注册会话的帧被拒绝且无状态变更
func TestHandleFrameUnknownSession(t *testing.T) {
	pub := newPublished()
	c := newController(&gateDetector{}, pub, 1)

	err := c.HandleFrame("ghost", frame(4, 4), 100)
	assert.ErrorIs(t, err, registry.ErrUnknownSession)
	assert.Equal(t, 0, c.Registry().Count())
}

// TestHandleCommandMalformed 非INIT命令返回错误且不变更状态
func TestHandleCommandMalformed(t *testing.T) {
	pub := newPublished()
	c := newController(&gateDetector{}, pub, 1)

	err := c.HandleCommand("s1", protocol.InitRequest{Command: "REBOOT"})
	assert.ErrorIs(t, err, ErrBadCommand)
	assert.Equal(t, 0, c.Registry().Count())
}

// TestDoubleInit 重复初始化被拒绝，原Worker不受影响继续处理
func TestDoubleInit(t *testing.T) {
	pub := newPublished()
	c := newController(&gateDetector{}, pub, 4)

	require.NoError(t, c.HandleCommand("s1", initCmd()))

	sess, ok := c.Registry().Lookup("s1")
	require.True(t, ok)
	originalWorker := sess.Worker

	// 重复初始化之前的帧
	require.NoError(t, c.HandleFrame("s1", frame(4, 4), 100))
	pub.wait(t, 1)

	err := c.HandleCommand("s1", initCmd())
	assert.ErrorIs(t, err, registry.ErrAlreadyInitialized)

	// 重复初始化之后的帧仍由同一个Worker实例处理
	sess, ok = c.Registry().Lookup("s1")
	require.True(t, ok)
	assert.Same(t, originalWorker, sess.Worker)

	require.NoError(t, c.HandleFrame("s1", frame(4, 4), 200))
	pub.wait(t, 2)
	assert.Equal(t, uint64(2), originalWorker.FramesProcessed())

	c.HandleDisconnect("s1")
}

// TestInitConstructionFailure 流水线构造失败时不留下任何注册表条目
func TestInitConstructionFailure(t *testing.T) {
	pub := newPublished()
	factory := func(config, cameraConfig *structpb.Struct, fps float64) (pipeline.Set, error) {
		return pipeline.Set{}, errors.New("invalid detector config")
	}
	c := New(registry.New(), factory, pub.publish, Options{StartupWindow: time.Second})

	err := c.HandleCommand("s1", initCmd())
	assert.ErrorIs(t, err, ErrWorkerConstruction)
	assert.Equal(t, 0, c.Registry().Count())

	// 失败没有留下残留状态，同一id的再次尝试走完整的初始化路径
	err = c.HandleCommand("s1", initCmd())
	assert.ErrorIs(t, err, ErrWorkerConstruction)
	assert.Equal(t, 0, c.Registry().Count())
}

// TestStaleFrameRejected 采集时间戳不晚于水位线的帧被拒绝且不入队
func TestStaleFrameRejected(t *testing.T) {
	pub := newPublished()

	// 阻塞Worker，避免它消费队列干扰水位判断
	gate := make(chan struct{})
	c := newController(&gateDetector{gate: gate}, pub, 4)

	require.NoError(t, c.HandleCommand("s1", initCmd()))
	defer func() {
		close(gate)
		c.HandleDisconnect("s1")
	}()

	require.NoError(t, c.HandleFrame("s1", frame(4, 4), 100))

	err := c.HandleFrame("s1", frame(4, 4), 90)
	assert.ErrorIs(t, err, ErrStaleFrame)

	err = c.HandleFrame("s1", frame(4, 4), 100)
	assert.ErrorIs(t, err, ErrStaleFrame)

	sess, _ := c.Registry().Lookup("s1")
	assert.Equal(t, 1, sess.Queue.Len(), "被拒绝的帧不得入队")
	assert.Equal(t, int64(100), sess.LastCapture())

	require.NoError(t, c.HandleFrame("s1", frame(4, 4), 110))
}

// TestBackpressureUnderLoad 容量1：Worker阻塞时第二个排队帧之后的帧被背压拒绝，
// 被拒绝的帧永远不会被处理。
func TestBackpressureUnderLoad(t *testing.T) {
	pub := newPublished()

	gate := make(chan struct{})
	started := make(chan struct{})
	c := newController(&gateDetector{gate: gate, started: started}, pub, 1)

	require.NoError(t, c.HandleCommand("s1", initCmd()))

	// 帧A被接受并立刻被Worker取走，阻塞在流水线里
	require.NoError(t, c.HandleFrame("s1", frame(4, 4), 100))
	<-started

	// 帧B占住唯一的队列槽位
	require.NoError(t, c.HandleFrame("s1", frame(4, 4), 200))

	// 帧C被背压拒绝，帧被丢弃
	err := c.HandleFrame("s1", frame(4, 4), 300)
	assert.ErrorIs(t, err, task.ErrBackpressure)

	// 放行A和B
	gate <- struct{}{}
	gate <- struct{}{}
	pub.wait(t, 2)

	pub.mu.Lock()
	got := append([]protocol.ResultEnvelope(nil), pub.results...)
	pub.mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].CaptureTimestampNS)
	assert.Equal(t, int64(200), got[1].CaptureTimestampNS)

	// 水位线停在最后被接受的帧：C之后的更早时间戳依然被拒
	sess, _ := c.Registry().Lookup("s1")
	assert.Equal(t, int64(200), sess.LastCapture())

	go func() {
		// 断连时Worker可能正等在gate上，保持放行
		close(gate)
	}()
	c.HandleDisconnect("s1")
}

// TestDisconnectDuringProcessing 断连处理要等进行中的迭代完成，
// 之后会话消失，同一id可重新初始化并得到全新Worker。
func TestDisconnectDuringProcessing(t *testing.T) {
	pub := newPublished()

	gate := make(chan struct{})
	started := make(chan struct{})
	c := newController(&gateDetector{gate: gate, started: started}, pub, 1)

	require.NoError(t, c.HandleCommand("s1", initCmd()))
	sess, _ := c.Registry().Lookup("s1")
	firstWorker := sess.Worker

	require.NoError(t, c.HandleFrame("s1", frame(4, 4), 100))
	<-started

	// 300ms后放行正在处理的帧
	go func() {
		time.Sleep(300 * time.Millisecond)
		gate <- struct{}{}
	}()

	begin := time.Now()
	c.HandleDisconnect("s1")
	elapsed := time.Since(begin)

	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond, "断连处理必须等待进行中的迭代")
	assert.Equal(t, 1, pub.count(), "进行中的帧要处理完并发布结果")

	_, ok := c.Registry().Lookup("s1")
	assert.False(t, ok)

	// 同一id重新初始化得到全新Worker
	require.NoError(t, c.HandleCommand("s1", initCmd()))
	sess, ok = c.Registry().Lookup("s1")
	require.True(t, ok)
	assert.NotSame(t, firstWorker, sess.Worker)

	c.HandleDisconnect("s1")
}

// TestDisconnectNeverInitialized 从未初始化的会话断连是无操作
func TestDisconnectNeverInitialized(t *testing.T) {
	pub := newPublished()
	c := newController(&gateDetector{}, pub, 1)

	c.HandleDisconnect("never-seen")
	assert.Equal(t, 0, c.Registry().Count())
}
