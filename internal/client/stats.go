package client

import (
	"encoding/csv"
	"io"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"CollisionWarningService/internal/protocol"
)

// TimingRow 一帧的完整时间戳记录（纳秒），用于CSV诊断输出
type TimingRow struct {
	CaptureNS int64
	RecvNS    int64
	SendNS    int64
	ResultNS  int64
}

// DelayStats 往返延迟统计
type DelayStats struct {
	Count  int
	Median time.Duration
	Mean   time.Duration
	Min    time.Duration
	Max    time.Duration
}

// ResultsReader 结果消费者：按采集时间戳关联结果和发送时刻，
// 累积往返延迟样本和逐帧时间戳记录。
type ResultsReader struct {
	mu      sync.Mutex
	delays  []time.Duration
	rows    []TimingRow
	dangers uint64
}

// NewResultsReader 创建结果消费者
func NewResultsReader() *ResultsReader {
	return &ResultsReader{}
}

// Consume 处理一份结果：计算端到端延迟并记录时间戳行
func (r *ResultsReader) Consume(result protocol.ResultEnvelope) {
	resultNS := time.Now().UnixNano()

	for id, det := range result.Detections {
		if det.DangerousDistance > 0 {
			r.mu.Lock()
			r.dangers++
			r.mu.Unlock()
			log.Printf("Dangerous distance %.2fm to the object with id %d", det.DangerousDistance, id)
		}
	}

	delay := time.Duration(resultNS - result.CaptureTimestampNS)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.delays = append(r.delays, delay)
	r.rows = append(r.rows, TimingRow{
		CaptureNS: result.CaptureTimestampNS,
		RecvNS:    result.RecvTimestampNS,
		SendNS:    result.SendTimestampNS,
		ResultNS:  resultNS,
	})
}

// Count 已收到的结果数
func (r *ResultsReader) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

// Stats 计算延迟统计；没有样本时第二个返回值为false
func (r *ResultsReader) Stats() (DelayStats, bool) {
	r.mu.Lock()
	sorted := make([]time.Duration, len(r.delays))
	copy(sorted, r.delays)
	r.mu.Unlock()

	if len(sorted) == 0 {
		return DelayStats{}, false
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	var median time.Duration
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		median = sorted[mid]
	} else {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	return DelayStats{
		Count:  len(sorted),
		Median: median,
		Mean:   sum / time.Duration(len(sorted)),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}, true
}

// LogStats 打印统计概要
func (r *ResultsReader) LogStats(sentFrames uint64) {
	stats, ok := r.Stats()
	if !ok {
		log.Printf("No results data received")
		return
	}

	log.Printf("Send frames: %d, dropped frames: %d", sentFrames, sentFrames-uint64(stats.Count))
	log.Printf("Delay median: %.3fs mean: %.3fs min: %.3fs max: %.3fs",
		stats.Median.Seconds(), stats.Mean.Seconds(), stats.Min.Seconds(), stats.Max.Seconds())
}

// WriteCSV 导出逐帧时间戳记录
func (r *ResultsReader) WriteCSV(w io.Writer) error {
	r.mu.Lock()
	rows := make([]TimingRow, len(r.rows))
	copy(rows, r.rows)
	r.mu.Unlock()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"start_timestamp_ns", "recv_timestamp_ns", "send_timestamp_ns", "end_timestamp_ns"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.CaptureNS, 10),
			strconv.FormatInt(row.RecvNS, 10),
			strconv.FormatInt(row.SendNS, 10),
			strconv.FormatInt(row.ResultNS, 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
