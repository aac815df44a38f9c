package types

import "time"

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// PoolConf 代理池整体容量与准入阈值
type PoolConf struct {
	MaxPoolSize   int     `ini:"max_pool_size"`
	MinScore      float64 `ini:"min_score"`
	MaxFraudScore float64 `ini:"max_fraud_score"`
}

// FeedsConf 控制代理源轮询
type FeedsConf struct {
	EndpointsFile        string `ini:"endpoints_file"` // 为空时使用内置的 15 个源
	FetchTimeoutSeconds  int    `ini:"fetch_timeout_seconds"`
	MaxConcurrentFetches int    `ini:"max_concurrent_fetches"`
	UserAgent            string `ini:"user_agent"`
}

// HealthConf 控制健康检查的节奏与状态迁移阈值
type HealthConf struct {
	TestURL                string `ini:"test_url"`
	ProbeTimeoutSeconds    int    `ini:"probe_timeout_seconds"`
	BatchSize              int    `ini:"batch_size"`
	BatchConcurrency       int    `ini:"batch_concurrency"`
	BatchDelaySeconds      int    `ini:"batch_delay_seconds"`
	CycleIntervalSeconds   int    `ini:"cycle_interval_seconds"`
	AssignedRecheckMinutes int    `ini:"assigned_recheck_minutes"`
	IdleRecheckMinutes     int    `ini:"idle_recheck_minutes"`
	IdleBatchLimit         int    `ini:"idle_batch_limit"`
	UntestedBatchLimit     int    `ini:"untested_batch_limit"`
	MaxFailures            int    `ini:"max_failures"`
	CooldownSeconds        int    `ini:"cooldown_seconds"`
	LogRetentionDays       int    `ini:"log_retention_days"`
	GeoLookup              bool   `ini:"geo_lookup"` // 首次探测成功后补全国家/城市/ISP
}

// AssignmentConf 控制账号分配代理时的偏好
type AssignmentConf struct {
	PreferCountry string `ini:"prefer_country"` // 为空表示不启用同国家优先
}

// JanitorConf 控制后台清理循环
type JanitorConf struct {
	IntervalSeconds int `ini:"interval_seconds"`
}

// StoreConf 持久化存储配置
type StoreConf struct {
	DBPath        string `ini:"db_path"`
	BackupDir     string `ini:"backup_dir"` // 为空时使用数据库同级的 backups 目录
	BackupKeep    int    `ini:"backup_keep"`
	BusyTimeoutMs int    `ini:"busy_timeout_ms"`
	SkipBackup    bool   `ini:"skip_backup"`
	MaxOpenConns  int    `ini:"max_open_conns"`
}

// CryptoConf 凭证加密密钥来源配置
type CryptoConf struct {
	Algorithm      string `ini:"algorithm"` // "chacha20" 或 "aes-gcm"
	DisableKeyring bool   `ini:"disable_keyring"`
	KeyFile        string `ini:"key_file"` // 为空时使用用户配置目录
	DisableKeyFile bool   `ini:"disable_key_file"`
	AllowEphemeral bool   `ini:"allow_ephemeral"`
}

// WebConf 管理端 HTTP 接口配置
type WebConf struct {
	Port                     int    `ini:"port"`
	User                     string `ini:"user"`
	Password                 string `ini:"password"`
	StatsPushIntervalSeconds int    `ini:"stats_push_interval_seconds"`
}

// Config 是 proxyfleet 的统一配置结构体
type Config struct {
	LogConf        `ini:"log"`
	PoolConf       `ini:"pool"`
	FeedsConf      `ini:"feeds"`
	HealthConf     `ini:"health"`
	AssignmentConf `ini:"assignment"`
	JanitorConf    `ini:"janitor"`
	StoreConf      `ini:"store"`
	CryptoConf     `ini:"crypto"`
	WebConf        `ini:"web"`
}

// DefaultConfig 返回一份填充了默认值的配置。ini 文件中出现的键会覆盖这些值。
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info"},
		PoolConf: PoolConf{
			MaxPoolSize:   10000,
			MinScore:      30,
			MaxFraudScore: 0.7,
		},
		FeedsConf: FeedsConf{
			FetchTimeoutSeconds:  20,
			MaxConcurrentFetches: 5,
			UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
		},
		HealthConf: HealthConf{
			TestURL:                "https://www.google.com/generate_204",
			ProbeTimeoutSeconds:    10,
			BatchSize:              50,
			BatchConcurrency:       5,
			BatchDelaySeconds:      2,
			CycleIntervalSeconds:   30,
			AssignedRecheckMinutes: 5,
			IdleRecheckMinutes:     15,
			IdleBatchLimit:         50,
			UntestedBatchLimit:     50,
			MaxFailures:            3,
			CooldownSeconds:        300,
			LogRetentionDays:       7,
		},
		JanitorConf: JanitorConf{IntervalSeconds: 60},
		StoreConf: StoreConf{
			DBPath:        "data/proxyfleet.db",
			BackupKeep:    5,
			BusyTimeoutMs: 5000,
			MaxOpenConns:  1,
		},
		CryptoConf: CryptoConf{
			Algorithm:      "chacha20",
			AllowEphemeral: true,
		},
		WebConf: WebConf{StatsPushIntervalSeconds: 5},
	}
}

func (c HealthConf) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c HealthConf) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelaySeconds) * time.Second
}

func (c HealthConf) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

func (c HealthConf) AssignedRecheck() time.Duration {
	return time.Duration(c.AssignedRecheckMinutes) * time.Minute
}

func (c HealthConf) IdleRecheck() time.Duration {
	return time.Duration(c.IdleRecheckMinutes) * time.Minute
}

func (c HealthConf) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c HealthConf) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

func (c FeedsConf) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c JanitorConf) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c WebConf) StatsPushInterval() time.Duration {
	return time.Duration(c.StatsPushIntervalSeconds) * time.Second
}
