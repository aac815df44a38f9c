package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/proxypool"
	"proxyfleet/proxypool/model"
	"proxyfleet/proxypool/storage"
)

// PoolController defines the interface that the web handler uses to interact with the proxy pool.
// This decouples the web package from the manager's lifecycle.
type PoolController interface {
	GetProxyStats() proxypool.PoolStats
	GetProxiesPaginated(page, pageSize int, filter proxypool.ProxyFilter) ([]*model.ProxyRecord, int)
	ImportProxies(lines []string, protocol model.Protocol) int
	ValidateNow(ctx context.Context, keys []string) (int, error)
	DeleteProxies(ctx context.Context, keys []string) (int, error)
	HealthLogs(ctx context.Context, key string, limit int) ([]model.HealthLog, error)
	RefreshFeeds(ctx context.Context)

	GetProxyForAccount(ctx context.Context, accountID string, preferredTier *model.Tier) (*model.ProxyRecord, error)
	ReleaseProxy(ctx context.Context, accountID string) error
	LockProxyAssignment(ctx context.Context, accountID string) (bool, error)
	UnlockProxyAssignment(ctx context.Context, accountID string) (bool, error)
}

const refreshTimeout = 2 * time.Minute

type Handler struct {
	pool PoolController

	// 后台任务（手动刷新）跟随 Handler 生命周期，Close 时取消并等待
	bgMu     sync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	closed   bool
}

func NewHandler(pool PoolController) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{pool: pool, bgCtx: ctx, bgCancel: cancel}
}

// Close 取消仍在运行的后台任务并等待其退出，之后的刷新请求返回 503。
func (h *Handler) Close() {
	h.bgMu.Lock()
	h.closed = true
	h.bgCancel()
	h.bgMu.Unlock()
	h.bgWG.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleStatus 公开的存活检查
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStats 处理 GET /api/stats 请求
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.pool.GetProxyStats())
}

// ProxyPage 是 GET /api/proxies 的响应体
type ProxyPage struct {
	Items    []*model.ProxyRecord `json:"items"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// HandleProxies 处理 GET /api/proxies?page=&page_size=&status=&tier=&country=&protocol=&assigned=
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 50
	}

	filter := proxypool.ProxyFilter{
		Status:  model.Status(strings.ToLower(q.Get("status"))),
		Country: q.Get("country"),
	}
	if v := q.Get("tier"); v != "" {
		tier, ok := model.ParseTier(v)
		if !ok {
			http.Error(w, "Invalid tier", http.StatusBadRequest)
			return
		}
		filter.Tier = tier
	}
	if v := q.Get("protocol"); v != "" {
		protocol, ok := model.ParseProtocol(v)
		if !ok {
			http.Error(w, "Invalid protocol", http.StatusBadRequest)
			return
		}
		filter.Protocol = protocol
	}
	if v := q.Get("assigned"); v != "" {
		assigned, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid assigned flag", http.StatusBadRequest)
			return
		}
		filter.Assigned = &assigned
	}

	items, total := h.pool.GetProxiesPaginated(page, pageSize, filter)
	writeJSON(w, http.StatusOK, ProxyPage{Items: items, Total: total, Page: page, PageSize: pageSize})
}

type importRequest struct {
	Proxies  []string `json:"proxies"`
	Protocol string   `json:"protocol"`
}

// HandleImport 处理 POST /api/proxies/import 请求，新代理进入 TESTING 状态
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	protocol := model.ProtocolHTTP
	if req.Protocol != "" {
		p, ok := model.ParseProtocol(req.Protocol)
		if !ok {
			http.Error(w, "Invalid protocol", http.StatusBadRequest)
			return
		}
		protocol = p
	}

	added := h.pool.ImportProxies(req.Proxies, protocol)
	writeJSON(w, http.StatusOK, map[string]int{"submitted": len(req.Proxies), "added": added})
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

func decodeKeys(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req keysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		http.Error(w, "Request body must contain a non-empty keys list", http.StatusBadRequest)
		return nil, false
	}
	return req.Keys, true
}

// HandleValidate 处理 POST /api/proxies/validate 请求，立即探测指定代理
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	keys, ok := decodeKeys(w, r)
	if !ok {
		return
	}
	checked, err := h.pool.ValidateNow(r.Context(), keys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"checked": checked})
}

// HandleDelete 处理 POST /api/proxies/delete 请求，已分配的代理会被跳过
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	keys, ok := decodeKeys(w, r)
	if !ok {
		return
	}
	deleted, err := h.pool.DeleteProxies(r.Context(), keys)
	if err != nil {
		logger.Error().Err(err).Msg("[Handler] Failed to delete proxies")
		http.Error(w, "Failed to delete proxies: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// HandleHealthLogs 处理 GET /api/health-logs?proxy=ip:port&limit=
func (h *Handler) HandleHealthLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("proxy")
	if key == "" {
		http.Error(w, "Missing proxy parameter", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.pool.HealthLogs(r.Context(), key, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// HandleRefresh 处理 POST /api/feeds/refresh 请求，抓取在后台进行
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.bgMu.Lock()
	if h.closed {
		h.bgMu.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.bgWG.Add(1)
	h.bgMu.Unlock()

	go func() {
		defer h.bgWG.Done()
		ctx, cancel := context.WithTimeout(h.bgCtx, refreshTimeout)
		defer cancel()
		h.pool.RefreshFeeds(ctx)
	}()
	logger.Info().Msg("[Handler] Feed refresh triggered")
	w.WriteHeader(http.StatusAccepted)
}

// HandleAssignment 处理 /api/assignments?account=
//
//	GET    返回（必要时分配）账号绑定的代理，可选 tier 参数
//	DELETE 释放账号的代理
func (h *Handler) HandleAssignment(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		http.Error(w, "Missing account parameter", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		var preferred *model.Tier
		if v := r.URL.Query().Get("tier"); v != "" {
			tier, ok := model.ParseTier(v)
			if !ok {
				http.Error(w, "Invalid tier", http.StatusBadRequest)
				return
			}
			preferred = &tier
		}
		p, err := h.pool.GetProxyForAccount(r.Context(), account, preferred)
		if err != nil {
			logger.Error().Err(err).Str("account", account).Msg("[Handler] Assignment failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if p == nil {
			http.Error(w, "No eligible proxy available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := h.pool.ReleaseProxy(r.Context(), account); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAssignmentLock 处理 POST /api/assignments/lock?account=&locked=true|false
func (h *Handler) HandleAssignmentLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account := r.URL.Query().Get("account")
	locked, err := strconv.ParseBool(r.URL.Query().Get("locked"))
	if err != nil || account == "" {
		http.Error(w, "Invalid parameters", http.StatusBadRequest)
		return
	}

	var updated bool
	if locked {
		updated, err = h.pool.LockProxyAssignment(r.Context(), account)
	} else {
		updated, err = h.pool.UnlockProxyAssignment(r.Context(), account)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case !updated:
		http.Error(w, "Account has no assignment", http.StatusNotFound)
	default:
		logger.Info().Str("account", account).Bool("locked", locked).Msg("[Handler] Assignment lock updated")
		w.WriteHeader(http.StatusOK)
	}
}
