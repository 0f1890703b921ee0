package protocol

// 操作码定义 - 用于识别不同类型的消息
const (
	// 会话初始化相关
	OpInitReq  uint16 = 1001
	OpInitResp uint16 = 1002

	// 视频帧与结果
	OpFrameData uint16 = 2001
	OpResult    uint16 = 2002

	// 遥测上报
	OpTelemetry uint16 = 3001

	// 错误响应
	OpError uint16 = 9999
)

// 协议级错误码（ErrorResp.Code）
const (
	CodeAlreadyInitialized = "ALREADY_INITIALIZED"
	CodeUnknownSession     = "UNKNOWN_SESSION"
	CodeBackpressure       = "BACKPRESSURE"
	CodeStaleFrame         = "STALE_FRAME"
	CodeWorkerConstruction = "WORKER_CONSTRUCTION_FAILED"
	CodeWorkerStartup      = "WORKER_STARTUP_FAILED"
	CodeBadCommand         = "BAD_COMMAND"
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpInitReq:
		return "INIT_REQ"
	case OpInitResp:
		return "INIT_RESP"
	case OpFrameData:
		return "FRAME_DATA"
	case OpResult:
		return "RESULT"
	case OpTelemetry:
		return "TELEMETRY"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpInitReq, OpInitResp, OpFrameData, OpResult, OpTelemetry, OpError:
		return true
	default:
		return false
	}
}

// IsClientOpcode 判断是否为客户端发起的操作码
func IsClientOpcode(op uint16) bool {
	switch op {
	case OpInitReq, OpFrameData:
		return true
	default:
		return false
	}
}

// IsServerOpcode 判断是否为服务端发出的操作码
func IsServerOpcode(op uint16) bool {
	switch op {
	case OpInitResp, OpResult, OpTelemetry, OpError:
		return true
	default:
		return false
	}
}
