package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"CollisionWarningService/internal/config"
	"CollisionWarningService/internal/control"
	"CollisionWarningService/internal/heartbeat"
	"CollisionWarningService/internal/pipeline"
	"CollisionWarningService/internal/protocol"
	"CollisionWarningService/internal/registry"
	"CollisionWarningService/internal/task"
)

// Connection 一个WebSocket连接，对应一个潜在会话
type Connection struct {
	SessionID string
	Conn      *websocket.Conn

	stopChan  chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex // 专用于WebSocket写入同步
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 碰撞预警服务端：接收客户端视频帧，管理会话与Worker，
// 把结果流回客户端，并周期性向上游上报遥测。
type Server struct {
	config   *config.ServiceConfig
	server   *http.Server
	upgrader websocket.Upgrader

	ctrl *control.Controller
	agg  *heartbeat.Aggregator

	// 连接管理
	connections sync.Map // map[string]*Connection，按session id索引
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// gRPC存活探针
	grpcServer *grpc.Server
	health     *health.Server

	isRunning  atomic.Bool
	startTime  time.Time
	listenAddr string

	totalConnections atomic.Uint64
	totalFrames      atomic.Uint64
}

// New 创建服务端。factory决定每个Worker的流水线实例，
// emit为遥测外发能力（nil时只记录日志）。
func New(cfg *config.ServiceConfig, factory pipeline.Factory, emit heartbeat.EmitFunc) *Server {
	s := &Server{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		startTime: time.Now(),
	}

	reg := registry.New()
	s.ctrl = control.New(reg, factory, s.Publish, control.Options{
		QueueCapacity:  cfg.QueueCapacity,
		DequeueTimeout: cfg.DequeueTimeout,
		StartupWindow:  cfg.StartupWindow,
		LatencyWindow:  cfg.LatencyWindow,
	})

	s.agg = heartbeat.New(reg, cfg.HeartbeatInterval, cfg.QueueCapacity, func(report protocol.TelemetryReport) error {
		s.broadcastTelemetry(report)
		if emit != nil {
			return emit(report)
		}
		log.Printf("heartbeat: sessions=%d avg_latency=%.2fms occupancy=%.2f",
			report.SessionCount, report.AvgLatencyNS/1e6, report.QueueOccupancy)
		return nil
	})

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebSocket)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: cors.Default().Handler(router),
	}

	return s
}

// Controller 控制器入口，测试和内嵌场景直接调用
func (s *Server) Controller() *control.Controller {
	return s.ctrl
}

// Aggregator 心跳聚合器
func (s *Server) Aggregator() *heartbeat.Aggregator {
	return s.agg
}

// Start 启动HTTP/WebSocket监听、心跳聚合器和可选的gRPC存活探针
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return errors.New("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen on %s failed: %w", s.config.Addr, err)
	}

	s.listenAddr = ln.Addr().String()
	log.Printf("Starting collision warning server on %s", s.listenAddr)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	if s.config.GRPCHealthAddr != "" {
		if err := s.startHealthProbe(); err != nil {
			s.server.Close()
			s.isRunning.Store(false)
			return err
		}
	}

	s.agg.Start()
	return nil
}

// startHealthProbe 启动gRPC健康检查端点（供编排系统探活）
func (s *Server) startHealthProbe() error {
	lis, err := net.Listen("tcp", s.config.GRPCHealthAddr)
	if err != nil {
		return fmt.Errorf("listen grpc health on %s failed: %w", s.config.GRPCHealthAddr, err)
	}

	s.grpcServer = grpc.NewServer()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC health server error: %v", err)
		}
	}()

	return nil
}

// Shutdown 优雅关闭：停聚合器、断开全部连接并等Worker退出、停HTTP
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down collision warning server...")

	if s.health != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	s.agg.Stop()

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Server shutdown")
		return true
	})
	s.connWg.Wait()

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	return s.server.Shutdown(ctx)
}

// Addr 实际监听地址（用于:0端口的测试）
func (s *Server) Addr() string {
	return s.listenAddr
}

// handleWebSocket 升级连接并驱动会话生命周期
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := &Connection{
		SessionID: uuid.NewString(),
		Conn:      wsConn,
		stopChan:  make(chan struct{}),
	}

	s.connections.Store(conn.SessionID, conn)
	s.connCount.Add(1)
	s.totalConnections.Add(1)

	log.Printf("New connection: session %s from %s", conn.SessionID, r.RemoteAddr)

	s.connWg.Add(1)
	go s.readLoop(conn)
}

// readLoop 单个连接的读取与分发循环。退出即视为断连：
// 先让控制器停掉并回收Worker，再清理连接。
func (s *Server) readLoop(conn *Connection) {
	defer func() {
		s.ctrl.HandleDisconnect(conn.SessionID)
		s.closeConnection(conn, "Connection ended")
		s.connWg.Done()
	}()

	conn.Conn.SetReadLimit(protocol.MaxFrameSize + protocol.FrameHeaderSize)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
		}

		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		messageType, rawData, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Connection read error: %v", err)
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		opcode, body, err := protocol.DecodeFrame(rawData)
		if err != nil {
			log.Printf("Decode frame failed: %v", err)
			s.sendError(conn, protocol.CodeBadCommand, fmt.Sprintf("undecodable frame: %v", err), 0)
			continue
		}

		if !protocol.IsValidOpcode(opcode) {
			log.Printf("Unknown opcode %d from %s", opcode, conn.SessionID)
			s.sendError(conn, protocol.CodeBadCommand, fmt.Sprintf("unknown opcode %d", opcode), 0)
			continue
		}
		if !protocol.IsClientOpcode(opcode) {
			log.Printf("Unexpected opcode from %s: %s", conn.SessionID, protocol.OpcodeToString(opcode))
			s.sendError(conn, protocol.CodeBadCommand,
				fmt.Sprintf("unexpected opcode %s", protocol.OpcodeToString(opcode)), 0)
			continue
		}

		switch opcode {
		case protocol.OpInitReq:
			s.handleInit(conn, body)
		case protocol.OpFrameData:
			s.handleFrame(conn, body)
		}
	}
}

// handleInit 处理初始化命令
func (s *Server) handleInit(conn *Connection, body []byte) {
	var req protocol.InitRequest
	if err := protocol.DecodeMessage(body, &req); err != nil {
		s.sendError(conn, protocol.CodeBadCommand, err.Error(), 0)
		return
	}

	if err := s.ctrl.HandleCommand(conn.SessionID, req); err != nil {
		log.Printf("Init failed for session %s: %v", conn.SessionID, err)
		s.sendError(conn, errorCode(err), err.Error(), 0)
		return
	}

	resp := protocol.InitResponse{
		OK:           true,
		SessionID:    conn.SessionID,
		Message:      "session initialized",
		ServerUnixMS: time.Now().UnixMilli(),
	}
	if err := s.sendMessage(conn, protocol.OpInitResp, resp); err != nil {
		log.Printf("Send init response failed: %v", err)
	}
}

// handleFrame 处理一帧图像。背压或过期拒绝都以显式错误应答，
// 不做协议层面的静默丢弃。
func (s *Server) handleFrame(conn *Connection, body []byte) {
	var data protocol.FrameData
	if err := protocol.DecodeMessage(body, &data); err != nil {
		s.sendError(conn, protocol.CodeBadCommand, err.Error(), 0)
		return
	}

	s.totalFrames.Add(1)

	img := pipeline.Image{
		Width:  data.Width,
		Height: data.Height,
		Pixels: data.Pixels,
	}

	if err := s.ctrl.HandleFrame(conn.SessionID, img, data.CaptureTimestampNS); err != nil {
		s.sendError(conn, errorCode(err), err.Error(), data.CaptureTimestampNS)
	}
}

// Publish 把一帧的处理结果发回对应会话
func (s *Server) Publish(sessionID string, result protocol.ResultEnvelope) {
	value, ok := s.connections.Load(sessionID)
	if !ok {
		log.Printf("Publish to unknown session %s dropped", sessionID)
		return
	}

	conn := value.(*Connection)
	if err := s.sendMessage(conn, protocol.OpResult, result); err != nil {
		log.Printf("Publish result to %s failed: %v", sessionID, err)
	}
}

// broadcastTelemetry 把一份心跳报告推送给全部在线连接
func (s *Server) broadcastTelemetry(report protocol.TelemetryReport) {
	s.connections.Range(func(_, value interface{}) bool {
		conn := value.(*Connection)
		if err := s.sendMessage(conn, protocol.OpTelemetry, report); err != nil {
			log.Printf("Push telemetry to %s failed: %v", conn.SessionID, err)
		}
		return true
	})
}

// sendMessage 编码并发送一条消息
func (s *Server) sendMessage(conn *Connection, opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.Conn.WriteMessage(websocket.BinaryMessage, frame)
}

// sendError 发送协议级错误应答
func (s *Server) sendError(conn *Connection, code, message string, captureNS int64) {
	resp := protocol.ErrorResp{
		Code:               code,
		Message:            message,
		CaptureTimestampNS: captureNS,
	}
	if err := s.sendMessage(conn, protocol.OpError, resp); err != nil {
		log.Printf("Send error response failed: %v", err)
	}
}

// closeConnection 关闭连接并从连接表移除
func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.SessionID); loaded {
		s.connCount.Add(-1)
	}

	conn.writeMu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	conn.writeMu.Unlock()

	conn.safeClose()

	log.Printf("Connection closed: session %s, reason: %s", conn.SessionID, reason)
}

// errorCode 把控制层错误映射为协议错误码
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrAlreadyInitialized):
		return protocol.CodeAlreadyInitialized
	case errors.Is(err, registry.ErrUnknownSession):
		return protocol.CodeUnknownSession
	case errors.Is(err, task.ErrBackpressure):
		return protocol.CodeBackpressure
	case errors.Is(err, control.ErrStaleFrame):
		return protocol.CodeStaleFrame
	case errors.Is(err, control.ErrBadCommand):
		return protocol.CodeBadCommand
	case errors.Is(err, control.ErrWorkerConstruction):
		return protocol.CodeWorkerConstruction
	default:
		return protocol.CodeWorkerStartup
	}
}

// handleStats 返回最近一次遥测报告和服务器概况
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report := s.agg.Last()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_frames":        s.totalFrames.Load(),
		"heartbeat":           report,
	})
}

// handleHealthz 存活检查
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
