package storage

import (
	"time"

	"proxyfleet/internal/shared/securecrypt"
	"proxyfleet/proxypool/model"
)

// proxyRow 对应 proxies 表。凭证字段保存的是密文。
type proxyRow struct {
	Key             string `gorm:"column:proxy_key;primaryKey"`
	IP              string `gorm:"column:ip;not null"`
	Port            int    `gorm:"not null"`
	Protocol        string `gorm:"not null"`
	Username        string
	Password        string
	Country         string `gorm:"index"`
	City            string
	ISP             string `gorm:"column:isp"`
	LatencyMs       float64
	UptimePercent   float64
	SuccessCount    int
	FailureCount    int
	Score           float64 `gorm:"index"`
	Tier            string
	FraudScore      float64
	Status          string  `gorm:"index;not null"`
	AssignedAccount *string `gorm:"index"`
	CooldownUntil   *time.Time
	LastChecked     *time.Time
	SourceEndpoint  string
	FirstSeen       time.Time
}

func (proxyRow) TableName() string { return "proxies" }

// assignmentRow 对应 assignments 表。主键保证每个账号至多一个代理，
// proxy_key 上的唯一索引保证每个代理至多分配给一个账号。
type assignmentRow struct {
	AccountID   string `gorm:"primaryKey"`
	ProxyKey    string `gorm:"uniqueIndex;not null"`
	IsPermanent bool
	IsLocked    bool
	CreatedAt   time.Time
}

func (assignmentRow) TableName() string { return "assignments" }

type healthLogRow struct {
	ID        string    `gorm:"primaryKey"`
	ProxyKey  string    `gorm:"index;not null"`
	CheckedAt time.Time `gorm:"index"`
	Success   bool
	LatencyMs float64
	Error     string
}

func (healthLogRow) TableName() string { return "health_logs" }

// statsRow 是单行表，ID 固定为 1。
type statsRow struct {
	ID              int `gorm:"primaryKey"`
	TotalFetched    int64
	TotalValidated  int64
	TotalFailed     int64
	EndpointsPolled int64
	LastFullPoll    *time.Time
}

func (statsRow) TableName() string { return "pool_statistics" }

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toProxyRow(p *model.ProxyRecord, c *securecrypt.CredentialCipher) proxyRow {
	return proxyRow{
		Key:             p.Key(),
		IP:              p.IP,
		Port:            p.Port,
		Protocol:        string(p.Protocol),
		Username:        c.Encrypt(p.Username),
		Password:        c.Encrypt(p.Password),
		Country:         p.Country,
		City:            p.City,
		ISP:             p.ISP,
		LatencyMs:       p.LatencyMs,
		UptimePercent:   p.UptimePercent,
		SuccessCount:    p.SuccessCount,
		FailureCount:    p.FailureCount,
		Score:           p.Score,
		Tier:            string(p.Tier),
		FraudScore:      p.FraudScore,
		Status:          string(p.Status),
		AssignedAccount: nullString(p.AssignedAccount),
		CooldownUntil:   nullTime(p.CooldownUntil),
		LastChecked:     nullTime(p.LastChecked),
		SourceEndpoint:  p.SourceEndpoint,
		FirstSeen:       p.FirstSeen.UTC(),
	}
}

func (r proxyRow) toRecord(c *securecrypt.CredentialCipher) *model.ProxyRecord {
	p := &model.ProxyRecord{
		IP:             r.IP,
		Port:           r.Port,
		Protocol:       model.Protocol(r.Protocol),
		Username:       c.Decrypt(r.Username),
		Password:       c.Decrypt(r.Password),
		Country:        r.Country,
		City:           r.City,
		ISP:            r.ISP,
		LatencyMs:      r.LatencyMs,
		UptimePercent:  r.UptimePercent,
		SuccessCount:   r.SuccessCount,
		FailureCount:   r.FailureCount,
		FraudScore:     r.FraudScore,
		Status:         model.Status(r.Status),
		CooldownUntil:  fromNullTime(r.CooldownUntil),
		LastChecked:    fromNullTime(r.LastChecked),
		SourceEndpoint: r.SourceEndpoint,
		FirstSeen:      r.FirstSeen,
	}
	if r.AssignedAccount != nil {
		p.AssignedAccount = *r.AssignedAccount
	}
	// 评分以当前评分函数为准，不信任库中的旧值
	p.Recompute()
	return p
}

// observationColumns 是健康检查会修改的列。分配相关的列只由分配事务写入。
func observationColumns(p *model.ProxyRecord) map[string]any {
	return map[string]any{
		"country":        p.Country,
		"city":           p.City,
		"isp":            p.ISP,
		"latency_ms":     p.LatencyMs,
		"uptime_percent": p.UptimePercent,
		"success_count":  p.SuccessCount,
		"failure_count":  p.FailureCount,
		"score":          p.Score,
		"tier":           string(p.Tier),
		"fraud_score":    p.FraudScore,
		"status":         string(p.Status),
		"cooldown_until": nullTime(p.CooldownUntil),
		"last_checked":   nullTime(p.LastChecked),
	}
}

func (r assignmentRow) toModel() model.Assignment {
	return model.Assignment{
		AccountID:   r.AccountID,
		ProxyKey:    r.ProxyKey,
		IsPermanent: r.IsPermanent,
		IsLocked:    r.IsLocked,
		CreatedAt:   r.CreatedAt,
	}
}
