package validator

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"proxyfleet/internal/shared/logger"
)

const geoAPITimeout = 5 * time.Second

// geoAPIResponse defines the structure for the ip-api.com JSON response.
type geoAPIResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
}

// GeoInfo 是尽力而为的地理位置元数据。
type GeoInfo struct {
	Country string
	City    string
	ISP     string
}

// GeoLocator 查询 ip-api.com 补全代理的国家、城市和 ISP。
type GeoLocator struct {
	client  *resty.Client
	baseURL string
}

func NewGeoLocator() *GeoLocator {
	return NewGeoLocatorWithURL("http://ip-api.com/json/")
}

// NewGeoLocatorWithURL 允许替换查询地址（测试中指向本地服务）。
func NewGeoLocatorWithURL(baseURL string) *GeoLocator {
	return &GeoLocator{
		client:  resty.New().SetTimeout(geoAPITimeout),
		baseURL: baseURL,
	}
}

// Lookup 查询失败时返回 false，调用方保持原有元数据不变。
func (g *GeoLocator) Lookup(ctx context.Context, ip string) (GeoInfo, bool) {
	l := logger.WithComponent("ProxyPool/Validator")

	var apiResp geoAPIResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("fields", "status,countryCode,city,isp").
		SetResult(&apiResp).
		Get(g.baseURL + ip)
	if err != nil {
		l.Warn().Err(err).Str("ip", ip).Msg("Geo API request failed.")
		return GeoInfo{}, false
	}
	if resp.IsError() {
		l.Debug().Str("ip", ip).Int("status_code", resp.StatusCode()).Msg("Geo API returned an error status.")
		return GeoInfo{}, false
	}
	if apiResp.Status != "success" {
		l.Debug().Str("ip", ip).Str("status", apiResp.Status).Msg("Geo API returned non-success status.")
		return GeoInfo{}, false
	}
	return GeoInfo{Country: apiResp.CountryCode, City: apiResp.City, ISP: apiResp.ISP}, true
}
