package model

import "time"

// Assignment 将一个外部账号绑定到唯一的代理。
// IsLocked 为真时，健康检查失败不会触发自动换绑，但手动释放仍然有效。
type Assignment struct {
	AccountID   string    `json:"account_id"`
	ProxyKey    string    `json:"proxy_key"`
	IsPermanent bool      `json:"is_permanent"`
	IsLocked    bool      `json:"is_locked"`
	CreatedAt   time.Time `json:"created_at"`
}

// HealthLog 是一次探测的取证记录，错误信息中的凭证已被脱敏。
type HealthLog struct {
	ID        string    `json:"id"`
	ProxyKey  string    `json:"proxy_key"`
	CheckedAt time.Time `json:"checked_at"`
	Success   bool      `json:"success"`
	LatencyMs float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// PoolStatistics 是跨重启保留的全局累计计数。
type PoolStatistics struct {
	TotalFetched    int64     `json:"total_fetched"`
	TotalValidated  int64     `json:"total_validated"`
	TotalFailed     int64     `json:"total_failed"`
	EndpointsPolled int64     `json:"endpoints_polled"`
	LastFullPoll    time.Time `json:"last_full_poll,omitempty"`
}
