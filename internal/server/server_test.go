package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"CollisionWarningService/internal/client"
	"CollisionWarningService/internal/config"
	"CollisionWarningService/internal/pipeline"
	"CollisionWarningService/internal/protocol"
)

func testConfig() *config.ServiceConfig {
	return &config.ServiceConfig{
		Addr:              "127.0.0.1:0",
		QueueCapacity:     4,
		DequeueTimeout:    50 * time.Millisecond,
		StartupWindow:     time.Second,
		HeartbeatInterval: time.Hour, // 测试里不关心周期上报
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		MaxConnections:    16,
	}
}

// startServer 启动测试服务端并注册清理
func startServer(t *testing.T, cfg *config.ServiceConfig, factory pipeline.Factory) *Server {
	t.Helper()

	srv := New(cfg, factory, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

// dialRaw 直接建立WebSocket连接，绕过发送端封装
func dialRaw(t *testing.T, addr string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, opcode uint16, message interface{}) {
	t.Helper()

	frame, err := protocol.EncodeMessage(opcode, message)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

// readUntil 持续读取直到断言函数接受一条消息
func readUntil(t *testing.T, conn *websocket.Conn, accept func(opcode uint16, body []byte) bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, rawData, err := conn.ReadMessage()
		require.NoError(t, err)

		opcode, body, err := protocol.DecodeFrame(rawData)
		require.NoError(t, err)
		if accept(opcode, body) {
			return
		}
	}
	t.Fatal("expected message not received before deadline")
}

func decodeErrorResp(t *testing.T, body []byte) protocol.ErrorResp {
	t.Helper()
	var resp protocol.ErrorResp
	require.NoError(t, protocol.DecodeMessage(body, &resp))
	return resp
}

// gateDetector 可阻塞检测器，用于制造确定性的背压场景
type gateDetector struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (d *gateDetector) Detect(img pipeline.Image) ([]pipeline.Detection, error) {
	d.once.Do(func() { close(d.started) })
	<-d.gate
	return nil, nil
}

type nilTracker struct{}

func (nilTracker) MinHits() int { return 0 }

func (nilTracker) Update([]pipeline.Detection) []pipeline.TrackedObject { return nil }

type nilGuard struct{}

func (nilGuard) Update([]pipeline.RefPoint) {}

func (nilGuard) DangerousObjects() map[int64]pipeline.HazardInfo { return nil }

func gatedFactory(det *gateDetector) pipeline.Factory {
	return func(config, cameraConfig *structpb.Struct, fps float64) (pipeline.Set, error) {
		return pipeline.Set{
			Detector: det,
			Tracker:  nilTracker{},
			Camera:   pipeline.UnitCamera{},
			Guard:    nilGuard{},
		}, nil
	}
}

func brightFrame(width, height, size int) pipeline.Image {
	pixels := make([]byte, width*height)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			pixels[y*width+x] = 255
		}
	}
	return pipeline.Image{Width: width, Height: height, Pixels: pixels}
}

// TestServerEndToEnd 完整链路：发送端握手、推帧、收结果
func TestServerEndToEnd(t *testing.T) {
	srv := startServer(t, testConfig(), pipeline.NewSimpleFactory())

	results := make(chan protocol.ResultEnvelope, 16)
	sender := client.New(client.DefaultConfig(
		fmt.Sprintf("ws://%s/ws", srv.Addr()),
		protocol.InitRequest{Command: protocol.CmdInit, FPS: 30},
	), nil)
	sender.SetResultHandler(func(result protocol.ResultEnvelope) {
		results <- result
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.Connect(ctx))
	defer sender.Close()

	assert.NotEmpty(t, sender.SessionID())

	img := brightFrame(128, 128, 64)
	base := time.Now().UnixNano()
	timestamps := []int64{base, base + 1e6, base + 2e6}
	for _, ts := range timestamps {
		require.NoError(t, sender.SendFrame(img, ts))
		time.Sleep(20 * time.Millisecond)
	}

	for _, want := range timestamps {
		select {
		case result := <-results:
			assert.Equal(t, want, result.CaptureTimestampNS)
			assert.GreaterOrEqual(t, result.SendTimestampNS, result.RecvTimestampNS)
		case <-time.After(5 * time.Second):
			t.Fatalf("result for capture %d not received", want)
		}
	}

	assert.Equal(t, uint64(3), sender.FramesSent())
	assert.Equal(t, uint64(0), sender.Backpressures())
}

// TestServerDuplicateInit 同一连接的第二次初始化得到显式错误应答
func TestServerDuplicateInit(t *testing.T) {
	srv := startServer(t, testConfig(), pipeline.NewSimpleFactory())
	conn := dialRaw(t, srv.Addr())

	init := protocol.InitRequest{Command: protocol.CmdInit, FPS: 30}

	sendRaw(t, conn, protocol.OpInitReq, init)
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpInitResp {
			return false
		}
		var resp protocol.InitResponse
		require.NoError(t, protocol.DecodeMessage(body, &resp))
		assert.True(t, resp.OK)
		assert.NotEmpty(t, resp.SessionID)
		return true
	})

	sendRaw(t, conn, protocol.OpInitReq, init)
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpError {
			return false
		}
		resp := decodeErrorResp(t, body)
		assert.Equal(t, protocol.CodeAlreadyInitialized, resp.Code)
		return true
	})
}

// TestServerFrameBeforeInit 未初始化就推帧得到未知会话错误
func TestServerFrameBeforeInit(t *testing.T) {
	srv := startServer(t, testConfig(), pipeline.NewSimpleFactory())
	conn := dialRaw(t, srv.Addr())

	sendRaw(t, conn, protocol.OpFrameData, protocol.FrameData{
		CaptureTimestampNS: time.Now().UnixNano(),
		Width:              4, Height: 4, Pixels: make([]byte, 16),
	})

	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpError {
			return false
		}
		assert.Equal(t, protocol.CodeUnknownSession, decodeErrorResp(t, body).Code)
		return true
	})
}

// TestServerBackpressureAndStale 容量1下的背压拒绝和过期帧拒绝，
// 均以带采集时间戳的错误应答回流。
func TestServerBackpressureAndStale(t *testing.T) {
	det := &gateDetector{gate: make(chan struct{}), started: make(chan struct{})}

	cfg := testConfig()
	cfg.QueueCapacity = 1
	srv := startServer(t, cfg, gatedFactory(det))
	conn := dialRaw(t, srv.Addr())

	sendRaw(t, conn, protocol.OpInitReq, protocol.InitRequest{Command: protocol.CmdInit, FPS: 30})
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		return opcode == protocol.OpInitResp
	})

	frame := func(ts int64) protocol.FrameData {
		return protocol.FrameData{CaptureTimestampNS: ts, Width: 4, Height: 4, Pixels: make([]byte, 16)}
	}

	// 帧A被Worker取走并阻塞，帧B占住唯一槽位
	sendRaw(t, conn, protocol.OpFrameData, frame(100))
	<-det.started
	sendRaw(t, conn, protocol.OpFrameData, frame(200))
	time.Sleep(50 * time.Millisecond)

	// 帧C被背压拒绝
	sendRaw(t, conn, protocol.OpFrameData, frame(300))
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpError {
			return false
		}
		resp := decodeErrorResp(t, body)
		assert.Equal(t, protocol.CodeBackpressure, resp.Code)
		assert.Equal(t, int64(300), resp.CaptureTimestampNS)
		return true
	})

	// 过期帧：时间戳不晚于最后被接受的帧B
	sendRaw(t, conn, protocol.OpFrameData, frame(150))
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpError {
			return false
		}
		resp := decodeErrorResp(t, body)
		assert.Equal(t, protocol.CodeStaleFrame, resp.Code)
		assert.Equal(t, int64(150), resp.CaptureTimestampNS)
		return true
	})

	close(det.gate)
}

// TestServerRejectsNonClientOpcodes 未知操作码和服务端方向的操作码
// 都得到显式的BAD_COMMAND应答。
func TestServerRejectsNonClientOpcodes(t *testing.T) {
	srv := startServer(t, testConfig(), pipeline.NewSimpleFactory())
	conn := dialRaw(t, srv.Addr())

	// 协议表之外的操作码
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(4242, nil)))
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpError {
			return false
		}
		assert.Equal(t, protocol.CodeBadCommand, decodeErrorResp(t, body).Code)
		return true
	})

	// 只有服务端才能发的操作码
	sendRaw(t, conn, protocol.OpResult, protocol.ResultEnvelope{})
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpError {
			return false
		}
		assert.Equal(t, protocol.CodeBadCommand, decodeErrorResp(t, body).Code)
		return true
	})
}

// TestServerConstructionFailureCode 工厂拒绝配置时的错误码
// 区别于启动超时。
func TestServerConstructionFailureCode(t *testing.T) {
	factory := func(config, cameraConfig *structpb.Struct, fps float64) (pipeline.Set, error) {
		return pipeline.Set{}, fmt.Errorf("unsupported model")
	}
	srv := startServer(t, testConfig(), factory)
	conn := dialRaw(t, srv.Addr())

	sendRaw(t, conn, protocol.OpInitReq, protocol.InitRequest{Command: protocol.CmdInit, FPS: 30})
	readUntil(t, conn, func(opcode uint16, body []byte) bool {
		if opcode != protocol.OpError {
			return false
		}
		assert.Equal(t, protocol.CodeWorkerConstruction, decodeErrorResp(t, body).Code)
		return true
	})
}

// TestServerTelemetryPush 心跳报告作为遥测帧推送给在线客户端
func TestServerTelemetryPush(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	srv := startServer(t, cfg, pipeline.NewSimpleFactory())

	reports := make(chan protocol.TelemetryReport, 16)
	sender := client.New(client.DefaultConfig(
		fmt.Sprintf("ws://%s/ws", srv.Addr()),
		protocol.InitRequest{Command: protocol.CmdInit, FPS: 30},
	), nil)
	sender.SetTelemetryHandler(func(report protocol.TelemetryReport) {
		reports <- report
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.Connect(ctx))
	defer sender.Close()

	// 初始化之后的报告要反映在线会话
	deadline := time.After(5 * time.Second)
	for {
		select {
		case report := <-reports:
			assert.Equal(t, cfg.QueueCapacity, report.QueueSize)
			assert.NotZero(t, report.UnixMS)
			if report.SessionCount == 1 {
				return
			}
		case <-deadline:
			t.Fatal("telemetry report with the live session not pushed")
		}
	}
}

// TestServerHTTPEndpoints /stats和/healthz
func TestServerHTTPEndpoints(t *testing.T) {
	srv := startServer(t, testConfig(), pipeline.NewSimpleFactory())

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("http://%s/stats", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, true, stats["running"])
	assert.Contains(t, stats, "heartbeat")
}
