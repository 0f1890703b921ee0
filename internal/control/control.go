package control

import (
	"errors"
	"fmt"
	"log"
	"time"

	"CollisionWarningService/internal/pipeline"
	"CollisionWarningService/internal/protocol"
	"CollisionWarningService/internal/registry"
	"CollisionWarningService/internal/task"
	"CollisionWarningService/internal/worker"
)

var (
	// ErrStaleFrame 帧的采集时间戳不晚于该会话最后被接受的帧
	ErrStaleFrame = errors.New("stale frame: capture timestamp not newer than last accepted")
	// ErrBadCommand 命令格式错误或类型不支持，状态不变
	ErrBadCommand = errors.New("malformed or unsupported command")
	// ErrWorkerConstruction 流水线工厂拒绝了配置，没有Worker被创建
	ErrWorkerConstruction = errors.New("worker construction failed")
)

// PublishFunc 面向传输层的结果发布能力，按会话寻址
type PublishFunc func(sessionID string, result protocol.ResultEnvelope)

// Options 控制器可选参数
type Options struct {
	QueueCapacity  int
	DequeueTimeout time.Duration
	StartupWindow  time.Duration
	LatencyWindow  int
}

// Controller 会话初始化命令的状态机与帧摄入口。
// 每个会话经历 UNINITIALIZED → INITIALIZED → TERMINATED，不可回退；
// 状态本身就是注册表中条目的有无，终止由断连事件驱动。
type Controller struct {
	reg     *registry.Registry
	factory pipeline.Factory
	publish PublishFunc
	opts    Options
}

// New 创建控制器。factory与publish在构造时注入。
func New(reg *registry.Registry, factory pipeline.Factory, publish PublishFunc, opts Options) *Controller {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = task.DefaultCapacity
	}
	if opts.StartupWindow <= 0 {
		opts.StartupWindow = worker.DefaultStartupWindow
	}
	return &Controller{
		reg:     reg,
		factory: factory,
		publish: publish,
		opts:    opts,
	}
}

// Registry 返回控制器使用的注册表（心跳聚合器共享同一实例）
func (c *Controller) Registry() *registry.Registry {
	return c.reg
}

// HandleCommand 应用一条控制命令。只有INIT会变更状态：
// 构造队列和Worker、注册、启动并等待Worker在启动窗口内上报存活，
// 任何一步失败都不会留下注册表条目。
func (c *Controller) HandleCommand(sessionID string, cmd protocol.InitRequest) error {
	if cmd.Command != protocol.CmdInit {
		return fmt.Errorf("%w: %q", ErrBadCommand, cmd.Command)
	}

	// 初始化只允许一次；重建会悄悄孤立上一个Worker的goroutine
	if _, exists := c.reg.Lookup(sessionID); exists {
		return registry.ErrAlreadyInitialized
	}

	fps := cmd.FPS
	if fps <= 0 {
		fps = 30
	}

	pipe, err := c.factory(cmd.Config, cmd.CameraConfig, fps)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerConstruction, err)
	}

	queue := task.NewQueue(c.opts.QueueCapacity)
	w := worker.New(queue, pipe, func(result protocol.ResultEnvelope) {
		c.publish(sessionID, result)
	}, worker.Options{
		Name:           fmt.Sprintf("worker %s", sessionID),
		DequeueTimeout: c.opts.DequeueTimeout,
		LatencyWindow:  c.opts.LatencyWindow,
	})

	sess := &registry.Session{
		ID:        sessionID,
		CreatedAt: time.Now(),
		Config:    cmd,
		Queue:     queue,
		Worker:    w,
	}

	if err := c.reg.Create(sess); err != nil {
		return err
	}

	w.Start()
	if err := w.WaitReady(c.opts.StartupWindow); err != nil {
		// 启动窗口内未上报存活：丢弃半成品状态，不提交会话
		w.Stop()
		w.Join()
		c.reg.Remove(sessionID)
		return err
	}

	log.Printf("session %s initialized, queue capacity %d", sessionID, c.opts.QueueCapacity)
	return nil
}

// HandleFrame 帧摄入：查会话、过期检查、非阻塞入队。
// 任何错误都不会变更状态，帧被丢弃而非缓冲。
func (c *Controller) HandleFrame(sessionID string, img pipeline.Image, captureNS int64) error {
	sess, ok := c.reg.Lookup(sessionID)
	if !ok {
		return registry.ErrUnknownSession
	}

	if last := sess.LastCapture(); last != 0 && captureNS <= last {
		return fmt.Errorf("%w: capture %d, last accepted %d", ErrStaleFrame, captureNS, last)
	}

	env := task.FrameEnvelope{
		Image:              img,
		CaptureTimestampNS: captureNS,
		RecvTimestampNS:    time.Now().UnixNano(),
	}

	if err := sess.Queue.TryEnqueue(env); err != nil {
		return err
	}

	sess.SetLastCapture(captureNS)
	return nil
}

// HandleDisconnect 断连处理：停止Worker，等待当前迭代完成并退出，
// 然后移除会话。会话从未初始化时为无操作，可安全重复调用。
func (c *Controller) HandleDisconnect(sessionID string) {
	sess, ok := c.reg.Lookup(sessionID)
	if !ok {
		return
	}

	sess.Worker.Stop()
	sess.Worker.Join()
	c.reg.Remove(sessionID)

	log.Printf("session %s terminated, processed=%d failed=%d",
		sessionID, sess.Worker.FramesProcessed(), sess.Worker.FramesFailed())
}
