package validator

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxyfleet/proxypool/model"
)

// Result 是一次探测的结果。LatencyMs 是从发起连接到收到响应头的耗时。
type Result struct {
	OK        bool
	LatencyMs float64
	Err       error
}

// ErrorString 返回脱敏后的错误信息，成功时为空串。
func (r Result) ErrorString(p *model.ProxyRecord) string {
	if r.Err == nil {
		return ""
	}
	return RedactCredentials(r.Err.Error(), p)
}

// Validator 通过代理请求测试地址来判断代理是否可用。
type Validator struct {
	testURL string
	timeout time.Duration
}

func NewValidator(testURL string, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{testURL: testURL, timeout: timeout}
}

// Probe 对单个代理执行一次 HTTP GET。
// 根据协议选择拨号方式：http/https 走 Transport.Proxy，socks5 走 x/net/proxy，socks4 走 h12.io/socks。
func (v *Validator) Probe(ctx context.Context, p *model.ProxyRecord) Result {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	transport, err := v.transportFor(p)
	if err != nil {
		return Result{Err: err}
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
		// 重定向也算成功，不跟随
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.testURL, nil)
	if err != nil {
		return Result{Err: err}
	}

	startTime := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	latency := time.Since(startTime)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return Result{Err: fmt.Errorf("received non-successful status code: %d", resp.StatusCode)}
	}
	return Result{OK: true, LatencyMs: float64(latency.Microseconds()) / 1000}
}

func (v *Validator) transportFor(p *model.ProxyRecord) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   v.timeout / 2,
		ResponseHeaderTimeout: v.timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	baseDialer := &net.Dialer{Timeout: v.timeout}

	switch p.Protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		transport.Proxy = http.ProxyURL(connectURL(p))
		transport.DialContext = baseDialer.DialContext

	case model.ProtocolSOCKS5:
		var auth *proxy.Auth
		if p.HasAuth() {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", p.Key(), auth, baseDialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext

	case model.ProtocolSOCKS4:
		u := &url.URL{
			Scheme:   "socks4",
			Host:     p.Key(),
			RawQuery: "timeout=" + v.timeout.String(),
		}
		if p.Username != "" {
			u.User = url.User(p.Username)
		}
		dial := socks.Dial(u.String())
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return dial(network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported protocol %q", p.Protocol)
	}
	return transport, nil
}

var userinfoPattern = regexp.MustCompile(`://[^/@\s]+@`)

// RedactCredentials 去掉错误信息中可能出现的代理用户名和密码。
func RedactCredentials(msg string, p *model.ProxyRecord) string {
	msg = userinfoPattern.ReplaceAllString(msg, "://***@")
	if p == nil {
		return msg
	}
	if p.Password != "" {
		msg = strings.ReplaceAll(msg, p.Password, "***")
	}
	if p.Username != "" {
		msg = strings.ReplaceAll(msg, p.Username, "***")
	}
	return msg
}

// connectURL 返回用于 CONNECT 的代理地址。列表中的 https 代理也是明文 HTTP 代理，
// 与代理之间不做 TLS 握手。
func connectURL(p *model.ProxyRecord) *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Key()}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}
