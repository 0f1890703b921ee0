package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// 控制命令类型
const (
	CmdInit = "INIT"
)

// InitRequest 会话初始化命令。Config/CameraConfig 为不透明配置负载，
// 编排层不解释其内容，原样传递给流水线工厂。
type InitRequest struct {
	Command      string           `json:"command"`
	Config       *structpb.Struct `json:"config,omitempty"`
	CameraConfig *structpb.Struct `json:"camera_config,omitempty"`
	FPS          float64          `json:"fps,omitempty"`
	Width        int              `json:"width,omitempty"`
	Height       int              `json:"height,omitempty"`
	Viz          bool             `json:"viz,omitempty"`
}

// InitResponse 初始化命令的应答
type InitResponse struct {
	OK           bool   `json:"ok"`
	SessionID    string `json:"session_id"`
	Message      string `json:"message,omitempty"`
	ServerUnixMS int64  `json:"server_unix_ms"`
}

// FrameData 一帧已解码图像及其采集时间戳
type FrameData struct {
	CaptureTimestampNS int64  `json:"timestamp"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	Pixels             []byte `json:"frame"`
}

// ResultDetection 单个被跟踪目标的结果
type ResultDetection struct {
	BBox              [4]float64 `json:"bbox"`
	DangerousDistance float64    `json:"dangerous_distance"`
}

// ResultEnvelope 一帧的处理结果。所有时间戳都必须来自同一个原始帧，
// 否则端到端延迟统计会失真。
type ResultEnvelope struct {
	CaptureTimestampNS int64                     `json:"timestamp"`
	RecvTimestampNS    int64                     `json:"recv_timestamp"`
	PreProcessNS       int64                     `json:"timestamp_before_process"`
	PostProcessNS      int64                     `json:"timestamp_after_process"`
	SendTimestampNS    int64                     `json:"send_timestamp"`
	Detections         map[int64]ResultDetection `json:"detections"`
}

// ErrorResp 协议级错误应答；帧相关错误会带上原始采集时间戳
type ErrorResp struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	CaptureTimestampNS int64  `json:"timestamp,omitempty"`
}

// TelemetryReport 周期性遥测报告
type TelemetryReport struct {
	AvgLatencyNS   float64 `json:"avg_latency_ns"`
	QueueSize      int     `json:"queue_size"`
	QueueOccupancy float64 `json:"queue_occupancy"`
	SessionCount   int     `json:"session_count"`
	UnixMS         int64   `json:"unix_ms"`
}

// EncodeMessage 将消息体JSON序列化并封装为协议帧
func EncodeMessage(opcode uint16, message interface{}) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message failed: %w", OpcodeToString(opcode), err)
	}
	return EncodeFrame(opcode, body), nil
}

// DecodeMessage 将帧消息体反序列化到目标结构
func DecodeMessage(body []byte, message interface{}) error {
	if err := json.Unmarshal(body, message); err != nil {
		return fmt.Errorf("unmarshal message failed: %w", err)
	}
	return nil
}
