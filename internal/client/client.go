package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"CollisionWarningService/internal/pipeline"
	"CollisionWarningService/internal/protocol"
)

// State 客户端连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ResultHandler 结果处理器
type ResultHandler func(result protocol.ResultEnvelope)

// ServerErrorHandler 服务端错误应答处理器（背压、过期帧等）
type ServerErrorHandler func(errResp protocol.ErrorResp)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState State)

// TelemetryHandler 服务端心跳遥测流处理器
type TelemetryHandler func(report protocol.TelemetryReport)

// Config 发送端配置
type Config struct {
	URL               string
	Init              protocol.InitRequest
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	EnableCompression bool
	UserAgent         string
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string, init protocol.InitRequest) *Config {
	return &Config{
		URL:               url,
		Init:              init,
		HandshakeTimeout:  10 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		EnableCompression: false,
		UserAgent:         "CollisionWarningService/1.0",
	}
}

// Sender 流控发送端：向服务端推送视频帧并消费结果流。
// 发送节奏由RateTimer控制；服务端的背压拒绝作为显式错误应答
// 回流，该帧已被服务端丢弃，调用方在下一个节拍继续而不是重发。
type Sender struct {
	config *Config
	dialer *websocket.Dialer
	camera pipeline.Camera // 可选：发送前做客户端侧校正

	conn  *websocket.Conn
	state atomic.Int32

	onResult      ResultHandler
	onServerError ServerErrorHandler
	onStateChange StateChangeHandler
	onTelemetry   TelemetryHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}

	sessionID      string
	framesSent     atomic.Uint64
	backpressured  atomic.Uint64
	staleRejected  atomic.Uint64
	reconnectCount atomic.Int32
}

// New 创建发送端。camera可为nil（不做客户端侧校正）。
func New(config *Config, camera pipeline.Camera) *Sender {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	s := &Sender{
		config:        config,
		dialer:        &dialer,
		camera:        camera,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}

	s.state.Store(int32(StateDisconnected))
	return s
}

// SetResultHandler 设置结果处理器
func (s *Sender) SetResultHandler(handler ResultHandler) {
	s.onResult = handler
}

// SetServerErrorHandler 设置服务端错误应答处理器
func (s *Sender) SetServerErrorHandler(handler ServerErrorHandler) {
	s.onServerError = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (s *Sender) SetStateChangeHandler(handler StateChangeHandler) {
	s.onStateChange = handler
}

// SetTelemetryHandler 设置服务端遥测流处理器
func (s *Sender) SetTelemetryHandler(handler TelemetryHandler) {
	s.onTelemetry = handler
}

// Connect 连接服务端并完成会话初始化握手
func (s *Sender) Connect(ctx context.Context) error {
	if !s.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("sender is not in disconnected state")
	}

	if err := s.doConnect(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.setState(StateConnected)

	go s.readLoop()
	go s.reconnectLoop()

	return nil
}

// doConnect 执行实际的连接与初始化握手
func (s *Sender) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{s.config.UserAgent},
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.config.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	return s.doInit(ctx)
}

// doInit 发送初始化命令并等待应答。服务端返回错误应答
// （例如配置无效、Worker启动超时）时握手失败。
func (s *Sender) doInit(ctx context.Context) error {
	if err := s.send(protocol.OpInitReq, s.config.Init); err != nil {
		return fmt.Errorf("send init request failed: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	opcode, body, err := s.readFrame(timeoutCtx)
	if err != nil {
		return fmt.Errorf("read init response failed: %w", err)
	}

	switch opcode {
	case protocol.OpInitResp:
		var initResp protocol.InitResponse
		if err := protocol.DecodeMessage(body, &initResp); err != nil {
			return err
		}
		if !initResp.OK {
			return fmt.Errorf("init rejected: %s", initResp.Message)
		}
		s.mu.Lock()
		s.sessionID = initResp.SessionID
		s.mu.Unlock()
		log.Printf("Session initialized: session_id=%s", initResp.SessionID)
		return nil
	case protocol.OpError:
		var errResp protocol.ErrorResp
		if err := protocol.DecodeMessage(body, &errResp); err != nil {
			return err
		}
		return fmt.Errorf("init failed: %s: %s", errResp.Code, errResp.Message)
	default:
		return fmt.Errorf("unexpected opcode for init response: %s", protocol.OpcodeToString(opcode))
	}
}

// SendFrame 发送一帧图像。timestamp为0时取当前时刻。
// 返回错误只代表传输失败；服务端的背压拒绝经由错误应答流
// 异步到达（见 SetServerErrorHandler / Backpressures）。
func (s *Sender) SendFrame(img pipeline.Image, captureNS int64) error {
	if s.State() != StateConnected {
		return errors.New("sender is not connected")
	}

	if s.camera != nil {
		img = s.camera.Rectify(img)
	}
	if captureNS == 0 {
		captureNS = time.Now().UnixNano()
	}

	data := protocol.FrameData{
		CaptureTimestampNS: captureNS,
		Width:              img.Width,
		Height:             img.Height,
		Pixels:             img.Pixels,
	}

	if err := s.send(protocol.OpFrameData, data); err != nil {
		return err
	}

	s.framesSent.Add(1)
	return nil
}

// send 编码并发送一条消息
func (s *Sender) send(opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return err
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// readFrame 读取单个协议帧
func (s *Sender) readFrame(ctx context.Context) (uint16, []byte, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return 0, nil, errors.New("connection is nil")
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	messageType, rawData, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}

	if messageType != websocket.BinaryMessage {
		return 0, nil, errors.New("received non-binary message")
	}

	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		return 0, nil, fmt.Errorf("decode frame failed: %w", err)
	}
	return opcode, body, nil
}

// readLoop 消费结果流
func (s *Sender) readLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if s.State() != StateConnected {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		opcode, body, err := s.readFrame(context.Background())
		if err != nil {
			if s.State() == StateClosed {
				return
			}
			log.Printf("Read message failed: %v", err)
			s.triggerReconnect()
			continue
		}

		if !protocol.IsServerOpcode(opcode) {
			log.Printf("Non-server opcode %s ignored", protocol.OpcodeToString(opcode))
			continue
		}

		s.dispatch(opcode, body)
	}
}

// dispatch 分发服务端消息
func (s *Sender) dispatch(opcode uint16, body []byte) {
	switch opcode {
	case protocol.OpResult:
		var result protocol.ResultEnvelope
		if err := protocol.DecodeMessage(body, &result); err != nil {
			log.Printf("Decode result failed: %v", err)
			return
		}
		if s.onResult != nil {
			s.onResult(result)
		}
	case protocol.OpError:
		var errResp protocol.ErrorResp
		if err := protocol.DecodeMessage(body, &errResp); err != nil {
			log.Printf("Decode error response failed: %v", err)
			return
		}
		switch errResp.Code {
		case protocol.CodeBackpressure:
			// 该帧已被服务端丢弃，下一个节拍继续，绝不重发
			s.backpressured.Add(1)
		case protocol.CodeStaleFrame:
			s.staleRejected.Add(1)
		}
		if s.onServerError != nil {
			s.onServerError(errResp)
		}
	case protocol.OpTelemetry:
		var report protocol.TelemetryReport
		if err := protocol.DecodeMessage(body, &report); err != nil {
			log.Printf("Decode telemetry report failed: %v", err)
			return
		}
		if s.onTelemetry != nil {
			s.onTelemetry(report)
		}
	default:
		log.Printf("Unexpected opcode from server: %s", protocol.OpcodeToString(opcode))
	}
}

// reconnectLoop 重连循环
func (s *Sender) reconnectLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		case <-s.reconnectChan:
			s.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (s *Sender) triggerReconnect() {
	if s.compareAndSwapState(StateConnected, StateReconnecting) {
		select {
		case s.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 指数退避重连；重连成功后会话是全新的，
// 初始化握手在doConnect内重新执行。
func (s *Sender) doReconnect() {
	count := s.reconnectCount.Add(1)
	if count > int32(s.config.MaxReconnectTries) {
		log.Printf("Max reconnect tries exceeded, giving up")
		s.setState(StateDisconnected)
		return
	}

	log.Printf("Reconnecting... (attempt %d/%d)", count, s.config.MaxReconnectTries)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = s.config.ReconnectInterval
	backOff.MaxElapsedTime = time.Duration(s.config.MaxReconnectTries) * s.config.ReconnectInterval

	err := backoff.Retry(func() error {
		return s.doConnect(context.Background())
	}, backOff)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		s.setState(StateDisconnected)
	} else {
		log.Printf("Reconnected successfully")
		s.setState(StateConnected)
		s.reconnectCount.Store(0)
	}
}

// Close 关闭发送端
func (s *Sender) Close() error {
	if !s.compareAndSwapState(StateConnected, StateClosed) &&
		!s.compareAndSwapState(StateReconnecting, StateClosed) &&
		!s.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	close(s.stopChan)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State 当前状态
func (s *Sender) State() State {
	return State(s.state.Load())
}

// SessionID 服务端分配的会话标识
func (s *Sender) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// FramesSent 已成功写入传输层的帧数
func (s *Sender) FramesSent() uint64 {
	return s.framesSent.Load()
}

// Backpressures 被服务端背压拒绝的帧数
func (s *Sender) Backpressures() uint64 {
	return s.backpressured.Load()
}

// StaleRejected 被服务端以过期帧拒绝的帧数
func (s *Sender) StaleRejected() uint64 {
	return s.staleRejected.Load()
}

func (s *Sender) setState(newState State) {
	oldState := State(s.state.Swap(int32(newState)))
	if oldState != newState && s.onStateChange != nil {
		s.onStateChange(oldState, newState)
	}
}

func (s *Sender) compareAndSwapState(oldState, newState State) bool {
	swapped := s.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && s.onStateChange != nil {
		s.onStateChange(oldState, newState)
	}
	return swapped
}
