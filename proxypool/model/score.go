package model

import (
	"strings"
	"time"
)

// Tier 是由分数和延迟推导出的粗粒度质量分级，用于分配时的偏好排序。
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierEconomy  Tier = "economy"
	TierLow      Tier = "low"
)

// Rank 返回分级的序号，LOW < ECONOMY < STANDARD < PREMIUM。
func (t Tier) Rank() int {
	switch t {
	case TierPremium:
		return 3
	case TierStandard:
		return 2
	case TierEconomy:
		return 1
	default:
		return 0
	}
}

// ParseTier 解析分级名称，大小写不敏感。
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPremium:
		return TierPremium, true
	case TierStandard:
		return TierStandard, true
	case TierEconomy:
		return TierEconomy, true
	case TierLow:
		return TierLow, true
	}
	return "", false
}

const latencySmoothing = 0.3

// ComputeScore 是确定性的评分函数，输出范围 [0,100]。
func ComputeScore(latencyMs, uptimePercent, fraudScore float64, successCount, failureCount int) float64 {
	score := 100.0

	switch {
	case latencyMs > 2000:
		score -= 30
	case latencyMs > 1000:
		score -= 20
	case latencyMs > 500:
		score -= 10
	case latencyMs > 200:
		score -= 5
	}

	switch {
	case uptimePercent >= 99:
		score += 10
	case uptimePercent >= 95:
		score += 5
	case uptimePercent < 90:
		score -= 20
	case uptimePercent < 95:
		score -= 10
	}

	score -= fraudScore * 30

	if total := successCount + failureCount; total > 0 {
		rate := float64(successCount) / float64(total)
		switch {
		case rate < 0.5:
			score -= 25
		case rate < 0.8:
			score -= 15
		case rate < 0.9:
			score -= 5
		}
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ComputeTier 按顺序匹配，第一条命中的规则生效。
func ComputeTier(score, latencyMs float64) Tier {
	switch {
	case score >= 90 && latencyMs < 100:
		return TierPremium
	case score >= 70 && latencyMs < 500:
		return TierStandard
	case score >= 50:
		return TierEconomy
	default:
		return TierLow
	}
}

// Recompute 根据当前计数重新推导 uptime、score 和 tier。
func (p *ProxyRecord) Recompute() {
	if total := p.SuccessCount + p.FailureCount; total > 0 {
		p.UptimePercent = float64(p.SuccessCount) / float64(total) * 100
	}
	p.Score = ComputeScore(p.LatencyMs, p.UptimePercent, p.FraudScore, p.SuccessCount, p.FailureCount)
	p.Tier = ComputeTier(p.Score, p.LatencyMs)
}

// StatusPolicy 描述一次探测失败后的状态迁移参数。
type StatusPolicy struct {
	MaxFailures int
	Cooldown    time.Duration
}

// ApplyProbe 记录一次探测结果：更新计数、延迟、评分，并完成状态迁移。
// 返回迁移前的状态，便于调用方判断是否刚刚进入黑名单。
func (p *ProxyRecord) ApplyProbe(ok bool, sampleMs float64, now time.Time, policy StatusPolicy) Status {
	prev := p.Status
	p.LastChecked = now

	if ok {
		p.SuccessCount++
		if p.LatencyMs == 0 {
			p.LatencyMs = sampleMs
		} else {
			p.LatencyMs = p.LatencyMs*(1-latencySmoothing) + sampleMs*latencySmoothing
		}
		p.Recompute()
		if !p.Excluded() {
			p.Status = StatusActive
			p.CooldownUntil = time.Time{}
		}
		return prev
	}

	p.FailureCount++
	p.Recompute()
	if p.Excluded() {
		return prev
	}
	if p.FailureCount >= policy.MaxFailures {
		p.Status = StatusBlacklisted
		p.CooldownUntil = time.Time{}
	} else {
		p.Status = StatusCooldown
		p.CooldownUntil = now.Add(policy.Cooldown)
	}
	return prev
}
