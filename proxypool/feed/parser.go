package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"proxyfleet/proxypool/model"
)

// Filter 是源声明的协议/国家过滤条件。
type Filter struct {
	Protocol model.Protocol
	Country  string
}

// FilterFor 从 Endpoint 配置中提取过滤条件。
func FilterFor(ep *model.Endpoint) Filter {
	return Filter{Protocol: ep.Protocol, Country: strings.ToUpper(ep.Country)}
}

func (f Filter) acceptsProtocol(p model.Protocol) bool {
	return f.Protocol == "" || f.Protocol == p
}

// acceptsCountry 仅在条目带国家信息时才做过滤。
func (f Filter) acceptsCountry(country string) bool {
	return f.Country == "" || country == "" || strings.EqualFold(f.Country, country)
}

func (f Filter) defaultProtocol(fallback model.Protocol) model.Protocol {
	if f.Protocol != "" {
		return f.Protocol
	}
	return fallback
}

// Parse 按解析器类型分派。只有整个载荷无法解析时才返回错误。
func Parse(kind model.ParserKind, payload []byte, f Filter) ([]*model.ProxyRecord, error) {
	switch kind {
	case model.ParserLines:
		return ParseLines(payload, f), nil
	case model.ParserMonosans:
		return ParseMonosans(payload, f)
	case model.ParserHookzof:
		return ParseHookzof(payload, f)
	case model.ParserHTML:
		return ParseHTMLTable(payload, f)
	default:
		return nil, fmt.Errorf("unknown parser kind %q", kind)
	}
}

// ParseLines 解析每行一个代理的文本格式：
//
//	[scheme://]ip:port[:user:pass]
//
// 空行和 # 开头的行被忽略，非法条目静默丢弃。
func ParseLines(payload []byte, f Filter) []*model.ProxyRecord {
	var out []*model.ProxyRecord
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		protocol := f.defaultProtocol(model.ProtocolHTTP)
		if i := strings.Index(line, "://"); i >= 0 {
			p, ok := model.ParseProtocol(line[:i])
			if !ok || !f.acceptsProtocol(p) {
				continue
			}
			protocol = p
			line = line[i+3:]
		}

		var user, pass string
		if at := strings.LastIndex(line, "@"); at >= 0 {
			creds := strings.SplitN(line[:at], ":", 2)
			if len(creds) != 2 {
				continue
			}
			user, pass = creds[0], creds[1]
			line = line[at+1:]
		}

		parts := strings.Split(line, ":")
		switch len(parts) {
		case 2:
		case 4:
			user, pass = parts[2], parts[3]
		default:
			continue
		}

		p, ok := newCandidate(parts[0], parts[1], protocol)
		if !ok {
			continue
		}
		p.Username, p.Password = user, pass
		out = append(out, p)
	}
	return out
}

// flexPort 兼容数字和字符串两种端口写法。
type flexPort string

func (p *flexPort) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*p = flexPort(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = flexPort(s)
	return nil
}

// flexCountry 兼容 "US" 与 {"iso": "US"} 两种写法。
type flexCountry string

func (c *flexCountry) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = flexCountry(s)
		return nil
	}
	var obj struct {
		ISO  string `json:"iso"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.ISO != "" {
		*c = flexCountry(obj.ISO)
	} else {
		*c = flexCountry(obj.Code)
	}
	return nil
}

type monosansEntry struct {
	Protocol string      `json:"protocol"`
	IP       string      `json:"ip"`
	Host     string      `json:"host"`
	Port     flexPort    `json:"port"`
	Country  flexCountry `json:"country"`
	City     string      `json:"city"`
	ISP      string      `json:"isp"`
	Username *string     `json:"username"`
	Password *string     `json:"password"`
}

// ParseMonosans 解析 monosans 风格的 JSON 数组。
func ParseMonosans(payload []byte, f Filter) ([]*model.ProxyRecord, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("monosans payload: %w", err)
	}

	out := make([]*model.ProxyRecord, 0, len(raw))
	for _, item := range raw {
		var e monosansEntry
		if err := json.Unmarshal(item, &e); err != nil {
			continue
		}
		protocol, ok := model.ParseProtocol(e.Protocol)
		if !ok || !f.acceptsProtocol(protocol) || !f.acceptsCountry(string(e.Country)) {
			continue
		}
		ip := e.IP
		if ip == "" {
			ip = e.Host
		}
		p, ok := newCandidate(ip, string(e.Port), protocol)
		if !ok {
			continue
		}
		p.Country = strings.ToUpper(string(e.Country))
		p.City = e.City
		p.ISP = e.ISP
		if e.Username != nil && e.Password != nil {
			p.Username, p.Password = *e.Username, *e.Password
		}
		out = append(out, p)
	}
	return out, nil
}

type hookzofEntry struct {
	IP      string      `json:"ip"`
	Host    string      `json:"host"`
	Port    flexPort    `json:"port"`
	Country flexCountry `json:"country"`
}

// ParseHookzof 解析 hookzof 风格的 JSON：字符串数组 "ip:port"，或 {ip|host, port, country} 对象数组。
// 该源发布的是 SOCKS5 列表，未声明协议过滤时按 socks5 处理。
func ParseHookzof(payload []byte, f Filter) ([]*model.ProxyRecord, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("hookzof payload: %w", err)
	}

	protocol := f.defaultProtocol(model.ProtocolSOCKS5)
	out := make([]*model.ProxyRecord, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			host, port, found := strings.Cut(strings.TrimSpace(s), ":")
			if !found {
				continue
			}
			if p, ok := newCandidate(host, port, protocol); ok {
				out = append(out, p)
			}
			continue
		}

		var e hookzofEntry
		if err := json.Unmarshal(item, &e); err != nil {
			continue
		}
		if !f.acceptsCountry(string(e.Country)) {
			continue
		}
		ip := e.IP
		if ip == "" {
			ip = e.Host
		}
		p, ok := newCandidate(ip, string(e.Port), protocol)
		if !ok {
			continue
		}
		p.Country = strings.ToUpper(string(e.Country))
		out = append(out, p)
	}
	return out, nil
}

// ParseHTMLTable 解析代理列表网站常见的 HTML 表格：前两列为 IP 和端口，第三列可选为国家代码。
func ParseHTMLTable(payload []byte, f Filter) ([]*model.ProxyRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	rows := doc.Find("table tr")
	if rows.Length() == 0 {
		return nil, fmt.Errorf("no proxy table found in HTML payload")
	}

	protocol := f.defaultProtocol(model.ProtocolHTTP)
	var out []*model.ProxyRecord
	rows.Each(func(_ int, sel *goquery.Selection) {
		cells := sel.Find("td")
		if cells.Length() < 2 {
			return
		}
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		var country string
		if cells.Length() > 2 {
			if code := strings.TrimSpace(cells.Eq(2).Text()); len(code) == 2 {
				country = strings.ToUpper(code)
			}
		}
		if !f.acceptsCountry(country) {
			return
		}
		p, ok := newCandidate(ip, port, protocol)
		if !ok {
			return
		}
		p.Country = country
		out = append(out, p)
	})
	return out, nil
}

func newCandidate(ip, portStr string, protocol model.Protocol) (*model.ProxyRecord, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return nil, false
	}
	p, err := model.NewProxyRecord(ip, port, protocol)
	if err != nil {
		return nil, false
	}
	return p, true
}
