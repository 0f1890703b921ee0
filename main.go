package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"CollisionWarningService/internal/client"
	"CollisionWarningService/internal/config"
	"CollisionWarningService/internal/heartbeat"
	"CollisionWarningService/internal/logger"
	"CollisionWarningService/internal/pipeline"
	"CollisionWarningService/internal/protocol"
	"CollisionWarningService/internal/server"
	"CollisionWarningService/internal/telemetry"
)

func main() {
	var (
		mode       = flag.String("mode", "demo", "运行模式: demo, server, client")
		configPath = flag.String("config", "", "服务端配置文件路径 (YAML)")
		url        = flag.String("url", "ws://localhost:5896/ws", "WebSocket连接URL")
		fps        = flag.Float64("fps", 30, "发送帧率")
		duration   = flag.Duration("duration", 30*time.Second, "客户端运行时长")
		csvOut     = flag.String("csv", "", "逐帧时间戳CSV输出路径")
	)
	flag.Parse()

	logger.Init()

	switch *mode {
	case "demo":
		runDemo()
	case "server":
		runServer(*configPath)
	case "client":
		runClient(*url, *fps, *duration, *csvOut)
	default:
		fmt.Printf("unknown mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runServer 运行碰撞预警服务端
func runServer(configPath string) {
	opts := []config.Option{}
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath), config.WithWatch(func(cfg *config.ServiceConfig) {
			log.Printf("config reloaded (listener changes require restart)")
		}))
	}

	cfg, err := config.NewManager(opts...).Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// 可选的遥测Postgres归档
	var emit heartbeat.EmitFunc
	if cfg.TelemetryDSN != "" {
		archive, err := telemetry.Connect(context.Background(), cfg.TelemetryDSN)
		if err != nil {
			log.Fatalf("connect telemetry archive failed: %v", err)
		}
		defer archive.Close()

		emit = func(report protocol.TelemetryReport) error {
			log.Printf("heartbeat: sessions=%d avg_latency=%.2fms occupancy=%.2f",
				report.SessionCount, report.AvgLatencyNS/1e6, report.QueueOccupancy)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return archive.Insert(ctx, report)
		}
	}

	srv := server.New(cfg, pipeline.NewSimpleFactory(), emit)
	if err := srv.Start(); err != nil {
		log.Fatalf("start server failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// runClient 运行流控发送端，用合成视频帧驱动服务
func runClient(url string, fps float64, duration time.Duration, csvOut string) {
	initCfg, err := structpb.NewStruct(map[string]interface{}{
		"detector": map[string]interface{}{"threshold": 100, "stride": 32},
		"tracker":  map[string]interface{}{"min_hits": 2, "max_age": 3},
		"hazard":   map[string]interface{}{"warn_distance": 200},
	})
	if err != nil {
		log.Fatalf("build init config failed: %v", err)
	}

	sender := client.New(client.DefaultConfig(url, protocol.InitRequest{
		Command: protocol.CmdInit,
		Config:  initCfg,
		FPS:     fps,
		Width:   256,
		Height:  256,
	}), pipeline.UnitCamera{})

	reader := client.NewResultsReader()
	sender.SetResultHandler(reader.Consume)
	sender.SetServerErrorHandler(func(errResp protocol.ErrorResp) {
		if errResp.Code != protocol.CodeBackpressure {
			log.Printf("server rejected frame: %s: %s", errResp.Code, errResp.Message)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sender.Connect(ctx); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer sender.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	timer := client.NewRateTimer(fps)
	deadline := time.Now().Add(duration)
	frameNo := 0

	for time.Now().Before(deadline) {
		select {
		case <-sigCh:
			log.Printf("Terminating ...")
			goto done
		default:
		}

		timer.Wait()
		if err := sender.SendFrame(syntheticFrame(frameNo, 256, 256), 0); err != nil {
			log.Printf("send frame failed: %v", err)
		}
		frameNo++
	}

done:
	// 给最后一帧的结果留出回流时间
	time.Sleep(500 * time.Millisecond)

	reader.LogStats(sender.FramesSent())
	log.Printf("Backpressure rejections: %d, timer overruns: %d", sender.Backpressures(), timer.Overruns())

	if csvOut != "" {
		f, err := os.Create(csvOut)
		if err != nil {
			log.Printf("create csv failed: %v", err)
			return
		}
		defer f.Close()
		if err := reader.WriteCSV(f); err != nil {
			log.Printf("write csv failed: %v", err)
		}
	}
}

// runDemo 在本进程内同时启动服务端和发送端跑一小段
func runDemo() {
	fmt.Println("CollisionWarningService - 实时视频分析服务演示")
	fmt.Println("=============================================")

	cfg := &config.ServiceConfig{
		Addr:              "127.0.0.1:0",
		QueueCapacity:     1,
		DequeueTimeout:    time.Second,
		StartupWindow:     5 * time.Second,
		HeartbeatInterval: time.Second,
		LatencyWindow:     100,
		ReadBufferSize:    64 * 1024,
		WriteBufferSize:   64 * 1024,
		MaxConnections:    16,
	}

	srv := server.New(cfg, pipeline.NewSimpleFactory(), nil)
	if err := srv.Start(); err != nil {
		log.Fatalf("start server failed: %v", err)
	}
	defer srv.Shutdown(context.Background())

	runClient("ws://"+srv.Addr()+"/ws", 30, 5*time.Second, "")
}

// syntheticFrame 生成一帧带移动亮块的灰度测试图像
func syntheticFrame(n, width, height int) pipeline.Image {
	pixels := make([]byte, width*height)

	size := 32
	x0 := (n * 4) % (width - size)
	y0 := height - size - (n*2)%(height-size)

	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			pixels[y*width+x] = 255
		}
	}

	return pipeline.Image{Width: width, Height: height, Pixels: pixels}
}
