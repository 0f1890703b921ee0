package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ServiceConfig 服务端配置
type ServiceConfig struct {
	Addr              string        `mapstructure:"addr"`
	GRPCHealthAddr    string        `mapstructure:"grpc_health_addr"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	DequeueTimeout    time.Duration `mapstructure:"dequeue_timeout"`
	StartupWindow     time.Duration `mapstructure:"startup_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LatencyWindow     int           `mapstructure:"latency_window"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	MaxConnections    int           `mapstructure:"max_connections"`
	TelemetryDSN      string        `mapstructure:"telemetry_dsn"`
}

// Manager 配置管理器：默认值 + YAML文件 + 环境变量覆盖，
// 可选fsnotify热加载。
type Manager struct {
	mu       sync.RWMutex
	v        *viper.Viper
	cfg      *ServiceConfig
	path     string
	watch    bool
	onReload func(*ServiceConfig)
}

// Option 管理器选项
type Option func(*Manager)

// WithConfigPath 指定配置文件路径
func WithConfigPath(path string) Option {
	return func(m *Manager) {
		m.path = path
	}
}

// WithWatch 启用配置文件监控
func WithWatch(onReload func(*ServiceConfig)) Option {
	return func(m *Manager) {
		m.watch = true
		m.onReload = onReload
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		v: viper.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置
func (m *Manager) Load() (*ServiceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg != nil {
		return m.cfg, nil
	}

	setDefaults(m.v)

	m.v.SetEnvPrefix("CWS")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	if m.path != "" {
		m.v.SetConfigFile(m.path)
		if err := m.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file failed: %w", err)
		}
	}

	cfg := &ServiceConfig{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	m.cfg = cfg

	if m.watch && m.path != "" {
		m.watchConfig()
	}

	return cfg, nil
}

// Current 当前生效配置
func (m *Manager) Current() *ServiceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// watchConfig 文件变化时重新解析并回调
func (m *Manager) watchConfig() {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("config file changed: %s", e.Name)

		cfg := &ServiceConfig{}
		if err := m.v.Unmarshal(cfg); err != nil {
			log.Printf("reload config failed: %v", err)
			return
		}
		if err := validate(cfg); err != nil {
			log.Printf("reloaded config invalid: %v", err)
			return
		}

		m.mu.Lock()
		m.cfg = cfg
		cb := m.onReload
		m.mu.Unlock()

		if cb != nil {
			cb(cfg)
		}
	})
	m.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":5896")
	v.SetDefault("grpc_health_addr", "")
	v.SetDefault("queue_capacity", 1)
	v.SetDefault("dequeue_timeout", time.Second)
	v.SetDefault("startup_window", 5*time.Second)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("latency_window", 100)
	v.SetDefault("read_buffer_size", 64*1024)
	v.SetDefault("write_buffer_size", 64*1024)
	v.SetDefault("enable_compression", false)
	v.SetDefault("max_connections", 1000)
	v.SetDefault("telemetry_dsn", "")
}

func validate(cfg *ServiceConfig) error {
	if cfg.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1, got %d", cfg.QueueCapacity)
	}
	if cfg.DequeueTimeout <= 0 {
		return fmt.Errorf("dequeue_timeout must be positive, got %v", cfg.DequeueTimeout)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be >= 1, got %d", cfg.MaxConnections)
	}
	return nil
}
