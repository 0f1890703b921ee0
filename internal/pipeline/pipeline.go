package pipeline

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// Image 一帧已解码图像。编排层不关心像素格式，
// 只负责在传输层和流水线之间搬运。
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

// Detection 检测器输出的单个检测框
type Detection struct {
	BBox       [4]float64 // x1, y1, x2, y2
	Confidence float64
	Label      int
}

// TrackedObject 跟踪器输出的单个被跟踪目标。
// HitStreak/TimeSinceUpdate 用于过滤未确认或过期的轨迹。
type TrackedObject struct {
	ID              int64
	BBox            [4]float64
	HitStreak       int
	TimeSinceUpdate int
}

// RefPoint 被跟踪目标在参考坐标系中的投影点
type RefPoint struct {
	ObjectID int64
	X        float64
	Y        float64
}

// HazardInfo 危险目标信息：目标到危险区域的距离，0表示不危险
type HazardInfo struct {
	ObjectID int64
	Distance float64
}

// Detector 目标检测器（外部协作者）
type Detector interface {
	Detect(img Image) ([]Detection, error)
}

// Tracker 多目标跟踪器（外部协作者）。有状态：
// 跟踪身份的连续性依赖逐帧调用顺序，绝不能跨会话共享。
type Tracker interface {
	Update(detections []Detection) []TrackedObject
	MinHits() int
}

// Camera 相机校正与几何投影（外部协作者）
type Camera interface {
	Rectify(img Image) Image
	Project(objects []TrackedObject) []RefPoint
}

// HazardGuard 危险评估（外部协作者）
type HazardGuard interface {
	Update(points []RefPoint)
	DangerousObjects() map[int64]HazardInfo
}

// Set 一个Worker独占的一组流水线实例
type Set struct {
	Detector Detector
	Tracker  Tracker
	Camera   Camera
	Guard    HazardGuard
}

// Factory 根据不透明配置构造一组流水线实例。
// 配置无效时必须返回错误，此时不会注册Worker。
type Factory func(config, cameraConfig *structpb.Struct, fps float64) (Set, error)
