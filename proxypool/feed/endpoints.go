package feed

import "proxyfleet/proxypool/model"

// DefaultEndpoints 返回内置的 15 个代理源。
// 轮询间隔互不相同，避免所有源在同一时刻被请求。
func DefaultEndpoints() []*model.Endpoint {
	return []*model.Endpoint{
		// primary: 5-10 分钟
		{Name: "thespeedx-socks5", URL: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt", Class: model.FeedPrimary, PollIntervalSeconds: 300, Parser: model.ParserLines, Protocol: model.ProtocolSOCKS5},
		{Name: "monosans-json", URL: "https://raw.githubusercontent.com/monosans/proxy-list/main/proxies.json", Class: model.FeedPrimary, PollIntervalSeconds: 360, Parser: model.ParserMonosans},
		{Name: "thespeedx-http", URL: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt", Class: model.FeedPrimary, PollIntervalSeconds: 420, Parser: model.ParserLines, Protocol: model.ProtocolHTTP},
		{Name: "hookzof-socks5", URL: "https://raw.githubusercontent.com/hookzof/socks5_list/master/tg/socks.json", Class: model.FeedPrimary, PollIntervalSeconds: 540, Parser: model.ParserHookzof, Protocol: model.ProtocolSOCKS5},

		// secondary: 30-60 分钟
		{Name: "proxyscrape-http", URL: "https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=10000&country=all", Class: model.FeedSecondary, PollIntervalSeconds: 1800, Parser: model.ParserLines, Protocol: model.ProtocolHTTP},
		{Name: "clarketm-http", URL: "https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt", Class: model.FeedSecondary, PollIntervalSeconds: 2700, Parser: model.ParserLines, Protocol: model.ProtocolHTTP},
		{Name: "jetkai-socks5", URL: "https://raw.githubusercontent.com/jetkai/proxy-list/main/online-proxies/txt/proxies-socks5.txt", Class: model.FeedSecondary, PollIntervalSeconds: 3600, Parser: model.ParserLines, Protocol: model.ProtocolSOCKS5},

		// obscure: 15-35 分钟
		{Name: "shiftytr-socks4", URL: "https://raw.githubusercontent.com/ShiftyTR/Proxy-List/master/socks4.txt", Class: model.FeedObscure, PollIntervalSeconds: 900, Parser: model.ParserLines, Protocol: model.ProtocolSOCKS4},
		{Name: "roosterkid-socks5", URL: "https://raw.githubusercontent.com/roosterkid/openproxylist/main/SOCKS5_RAW.txt", Class: model.FeedObscure, PollIntervalSeconds: 1080, Parser: model.ParserLines, Protocol: model.ProtocolSOCKS5},
		{Name: "mmpx12-https", URL: "https://raw.githubusercontent.com/mmpx12/proxy-list/master/https.txt", Class: model.FeedObscure, PollIntervalSeconds: 1260, Parser: model.ParserLines, Protocol: model.ProtocolHTTPS},
		{Name: "proxifly-all", URL: "https://raw.githubusercontent.com/proxifly/free-proxy-list/main/proxies/all/data.txt", Class: model.FeedObscure, PollIntervalSeconds: 1500, Parser: model.ParserLines},
		{Name: "hookzof-txt", URL: "https://raw.githubusercontent.com/hookzof/socks5_list/master/proxy.txt", Class: model.FeedObscure, PollIntervalSeconds: 1620, Parser: model.ParserLines, Protocol: model.ProtocolSOCKS5},
		{Name: "sunny9577-http", URL: "https://raw.githubusercontent.com/sunny9577/proxy-scraper/master/proxies.txt", Class: model.FeedObscure, PollIntervalSeconds: 1740, Parser: model.ParserLines, Protocol: model.ProtocolHTTP},
		{Name: "hideip-socks4", URL: "https://raw.githubusercontent.com/zloi-user/hideip.me/main/socks4.txt", Class: model.FeedObscure, PollIntervalSeconds: 1920, Parser: model.ParserLines, Protocol: model.ProtocolSOCKS4},
		{Name: "free-proxy-list", URL: "https://free-proxy-list.net/", Class: model.FeedObscure, PollIntervalSeconds: 2100, Parser: model.ParserHTML, Protocol: model.ProtocolHTTP},
	}
}
