package pipeline

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// 参考实现的默认参数
const (
	defaultThreshold    = 128.0
	defaultStride       = 64
	defaultMaxAge       = 3
	defaultMinHits      = 2
	defaultMaxDist      = 96.0
	defaultZoneRadius   = 50.0
	defaultWarnDistance = 200.0
)

// SimpleDetector 亮度块检测器：把图像切分为 stride x stride 的网格，
// 平均亮度超过阈值的格子产生一个检测框。仅用于演示和测试，
// 生产模型在编排层之外。
type SimpleDetector struct {
	Threshold float64
	Stride    int
}

// Detect 扫描网格并返回检测框
func (d *SimpleDetector) Detect(img Image) ([]Detection, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", img.Width, img.Height)
	}
	if len(img.Pixels) < img.Width*img.Height {
		return nil, fmt.Errorf("pixel buffer too small: %d < %d", len(img.Pixels), img.Width*img.Height)
	}

	var detections []Detection
	for y := 0; y+d.Stride <= img.Height; y += d.Stride {
		for x := 0; x+d.Stride <= img.Width; x += d.Stride {
			var sum int
			for dy := 0; dy < d.Stride; dy++ {
				row := (y+dy)*img.Width + x
				for dx := 0; dx < d.Stride; dx++ {
					sum += int(img.Pixels[row+dx])
				}
			}
			mean := float64(sum) / float64(d.Stride*d.Stride)
			if mean > d.Threshold {
				detections = append(detections, Detection{
					BBox:       [4]float64{float64(x), float64(y), float64(x + d.Stride), float64(y + d.Stride)},
					Confidence: mean / 255.0,
				})
			}
		}
	}

	return detections, nil
}

type simpleTrack struct {
	id              int64
	bbox            [4]float64
	hitStreak       int
	timeSinceUpdate int
}

// NearestTracker 最近邻多目标跟踪器：按中心点距离把检测框关联到
// 已有轨迹，连续命中累积 hitStreak，丢失帧累积 timeSinceUpdate。
type NearestTracker struct {
	MaxAge  int
	minHits int
	MaxDist float64

	tracks []*simpleTrack
	nextID int64
}

// NewNearestTracker 创建最近邻跟踪器
func NewNearestTracker(maxAge, minHits int, maxDist float64) *NearestTracker {
	return &NearestTracker{
		MaxAge:  maxAge,
		minHits: minHits,
		MaxDist: maxDist,
		nextID:  1,
	}
}

// MinHits 轨迹确认所需的最少连续命中数
func (t *NearestTracker) MinHits() int {
	return t.minHits
}

// Update 用当前帧的检测结果更新全部轨迹并返回它们的最新状态
func (t *NearestTracker) Update(detections []Detection) []TrackedObject {
	claimed := make([]bool, len(detections))

	// 先让每条已有轨迹认领最近的检测框
	for _, tr := range t.tracks {
		best := -1
		bestDist := t.MaxDist
		cx, cy := center(tr.bbox)
		for i, det := range detections {
			if claimed[i] {
				continue
			}
			dx, dy := center(det.BBox)
			dist := math.Hypot(dx-cx, dy-cy)
			if dist < bestDist {
				bestDist = dist
				best = i
			}
		}

		if best >= 0 {
			claimed[best] = true
			tr.bbox = detections[best].BBox
			tr.hitStreak++
			tr.timeSinceUpdate = 0
		} else {
			tr.hitStreak = 0
			tr.timeSinceUpdate++
		}
	}

	// 未被认领的检测框各自开启新轨迹
	for i, det := range detections {
		if claimed[i] {
			continue
		}
		t.tracks = append(t.tracks, &simpleTrack{
			id:        t.nextID,
			bbox:      det.BBox,
			hitStreak: 1,
		})
		t.nextID++
	}

	// 淘汰长期丢失的轨迹
	alive := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.timeSinceUpdate <= t.MaxAge {
			alive = append(alive, tr)
		}
	}
	t.tracks = alive

	out := make([]TrackedObject, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, TrackedObject{
			ID:              tr.id,
			BBox:            tr.bbox,
			HitStreak:       tr.hitStreak,
			TimeSinceUpdate: tr.timeSinceUpdate,
		})
	}
	return out
}

func center(bbox [4]float64) (float64, float64) {
	return (bbox[0] + bbox[2]) / 2, (bbox[1] + bbox[3]) / 2
}

// UnitCamera 恒等校正相机：投影取检测框底边中点
type UnitCamera struct{}

// Rectify 恒等校正
func (UnitCamera) Rectify(img Image) Image { return img }

// Project 把检测框底边中点作为参考点
func (UnitCamera) Project(objects []TrackedObject) []RefPoint {
	points := make([]RefPoint, 0, len(objects))
	for _, obj := range objects {
		points = append(points, RefPoint{
			ObjectID: obj.ID,
			X:        (obj.BBox[0] + obj.BBox[2]) / 2,
			Y:        obj.BBox[3],
		})
	}
	return points
}

// DistanceGuard 距离阈值危险评估：以原点为中心的圆形危险区，
// 参考点进入告警半径即视为危险，距离为到区域边界的距离。
type DistanceGuard struct {
	ZoneRadius   float64
	WarnDistance float64

	points []RefPoint
}

// Update 记录当前帧的参考点
func (g *DistanceGuard) Update(points []RefPoint) {
	g.points = points
}

// DangerousObjects 返回当前帧的危险目标集合
func (g *DistanceGuard) DangerousObjects() map[int64]HazardInfo {
	dangerous := make(map[int64]HazardInfo)
	for _, p := range g.points {
		dist := math.Hypot(p.X, p.Y)
		if dist < g.WarnDistance {
			dangerous[p.ObjectID] = HazardInfo{
				ObjectID: p.ObjectID,
				Distance: math.Max(dist-g.ZoneRadius, 0),
			}
		}
	}
	return dangerous
}

// NewSimpleFactory 返回参考流水线的工厂。配置为不透明负载，
// 支持 detector/tracker/hazard 三段，缺省值见包常量。
func NewSimpleFactory() Factory {
	return func(config, cameraConfig *structpb.Struct, fps float64) (Set, error) {
		cfg := map[string]interface{}{}
		if config != nil {
			cfg = config.AsMap()
		}

		threshold := floatOption(cfg, "detector", "threshold", defaultThreshold)
		stride := int(floatOption(cfg, "detector", "stride", defaultStride))
		maxAge := int(floatOption(cfg, "tracker", "max_age", defaultMaxAge))
		minHits := int(floatOption(cfg, "tracker", "min_hits", defaultMinHits))
		maxDist := floatOption(cfg, "tracker", "max_dist", defaultMaxDist)
		zoneRadius := floatOption(cfg, "hazard", "zone_radius", defaultZoneRadius)
		warnDistance := floatOption(cfg, "hazard", "warn_distance", defaultWarnDistance)

		if stride <= 0 {
			return Set{}, fmt.Errorf("detector stride must be positive, got %d", stride)
		}
		if threshold < 0 || threshold > 255 {
			return Set{}, fmt.Errorf("detector threshold out of range: %f", threshold)
		}
		if maxDist <= 0 {
			return Set{}, fmt.Errorf("tracker max_dist must be positive, got %f", maxDist)
		}

		return Set{
			Detector: &SimpleDetector{Threshold: threshold, Stride: stride},
			Tracker:  NewNearestTracker(maxAge, minHits, maxDist),
			Camera:   UnitCamera{},
			Guard:    &DistanceGuard{ZoneRadius: zoneRadius, WarnDistance: warnDistance},
		}, nil
	}
}

// floatOption 从嵌套配置中取数值选项
func floatOption(cfg map[string]interface{}, section, key string, def float64) float64 {
	sec, ok := cfg[section].(map[string]interface{})
	if !ok {
		return def
	}
	val, ok := sec[key].(float64)
	if !ok {
		return def
	}
	return val
}
