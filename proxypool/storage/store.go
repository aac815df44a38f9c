package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/securecrypt"
	"proxyfleet/internal/shared/types"
	"proxyfleet/proxypool/model"
)

var (
	// ErrClaimConflict 表示账号已有分配，或目标代理已被占用/不可用。
	ErrClaimConflict = errors.New("storage: assignment claim conflict")
	// ErrNotFound 表示请求的代理或分配不存在。
	ErrNotFound = errors.New("storage: not found")
)

// Store 是基于 gorm + sqlite 的持久化层。
// 所有写事务都以 IMMEDIATE 模式开始，分配的唯一性由表约束在事务内保证。
type Store struct {
	db     *gorm.DB
	conf   types.StoreConf
	cipher *securecrypt.CredentialCipher
}

// Open 直接建立 sqlite 连接并迁移表结构。
func Open(conf types.StoreConf, cipher *securecrypt.CredentialCipher) (*Store, error) {
	if cipher == nil {
		cipher = securecrypt.NewPassthrough()
	}
	if !isMemoryPath(conf.DBPath) {
		if dir := filepath.Dir(conf.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(buildDSN(conf)), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", conf.DBPath, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	maxOpen := conf.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	// 内存库在最后一个连接关闭时消失，空闲连接必须保留
	sqlDB.SetMaxIdleConns(maxOpen)

	if err := db.AutoMigrate(&proxyRow{}, &assignmentRow{}, &healthLogRow{}, &statsRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.WithComponent("ProxyPool/Storage").Info().Str("path", conf.DBPath).Msg("Database opened.")
	return &Store{db: db, conf: conf, cipher: cipher}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func buildDSN(conf types.StoreConf) string {
	busy := conf.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	params := fmt.Sprintf("_txlock=immediate&_busy_timeout=%d", busy)
	dsn := conf.DBPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func (s *Store) Path() string {
	return s.conf.DBPath
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IntegrityCheck 执行 PRAGMA integrity_check，结果不是 "ok" 时返回错误。
func (s *Store) IntegrityCheck(ctx context.Context) error {
	return integrityCheck(s.db.WithContext(ctx))
}

func integrityCheck(db *gorm.DB) error {
	rows, err := db.Raw("PRAGMA integrity_check").Rows()
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("integrity check failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InsertProxies 插入新代理，已存在的键被忽略（先写入者保留来源归属）。返回实际插入的行数。
func (s *Store) InsertProxies(ctx context.Context, proxies []*model.ProxyRecord) (int64, error) {
	if len(proxies) == 0 {
		return 0, nil
	}
	rows := make([]proxyRow, 0, len(proxies))
	for _, p := range proxies {
		rows = append(rows, toProxyRow(p, s.cipher))
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200)
	if res.Error != nil {
		return 0, fmt.Errorf("insert proxies: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateProxies 写回健康检查观测到的字段，不触碰 assigned_account。
func (s *Store) UpdateProxies(ctx context.Context, proxies []*model.ProxyRecord) error {
	if len(proxies) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range proxies {
			err := tx.Model(&proxyRow{}).
				Where("proxy_key = ?", p.Key()).
				Updates(observationColumns(p)).Error
			if err != nil {
				return fmt.Errorf("update proxy %s: %w", p.Key(), err)
			}
		}
		return nil
	})
}

// DeleteProxies 删除未分配的代理及其健康日志。已分配的代理不会被删除。
func (s *Store) DeleteProxies(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var deletable []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&proxyRow{}).
			Where("proxy_key IN ? AND assigned_account IS NULL", keys).
			Pluck("proxy_key", &deletable).Error
		if err != nil || len(deletable) == 0 {
			return err
		}
		if err := tx.Where("proxy_key IN ?", deletable).Delete(&proxyRow{}).Error; err != nil {
			return err
		}
		return tx.Where("proxy_key IN ?", deletable).Delete(&healthLogRow{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete proxies: %w", err)
	}
	return int64(len(deletable)), nil
}

// LoadProxies 回放持久化的代理：已分配的代理总是被加载，
// 其余按分数从高到低加载，受 minScore/maxFraud 过滤，总数不超过 limit。
func (s *Store) LoadProxies(ctx context.Context, limit int, minScore, maxFraud float64) ([]*model.ProxyRecord, error) {
	db := s.db.WithContext(ctx)

	var assigned []proxyRow
	if err := db.Where("assigned_account IS NOT NULL").Find(&assigned).Error; err != nil {
		return nil, fmt.Errorf("load assigned proxies: %w", err)
	}

	out := make([]*model.ProxyRecord, 0, len(assigned))
	for _, r := range assigned {
		out = append(out, r.toRecord(s.cipher))
	}

	remaining := limit - len(assigned)
	if remaining <= 0 {
		return out, nil
	}

	var rest []proxyRow
	err := db.Where("assigned_account IS NULL AND score >= ? AND fraud_score <= ? AND status NOT IN ?",
		minScore, maxFraud, []string{string(model.StatusBlacklisted), string(model.StatusFailed)}).
		Order("score DESC").
		Limit(remaining).
		Find(&rest).Error
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	for _, r := range rest {
		out = append(out, r.toRecord(s.cipher))
	}
	return out, nil
}

// GetProxy 按键读取单个代理。
func (s *Store) GetProxy(ctx context.Context, key string) (*model.ProxyRecord, error) {
	var r proxyRow
	err := s.db.WithContext(ctx).Where("proxy_key = ?", key).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toRecord(s.cipher), nil
}

func (s *Store) CountProxies(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&proxyRow{}).Count(&n).Error
	return n, err
}

func (s *Store) LoadAssignments(ctx context.Context) ([]model.Assignment, error) {
	var rows []assignmentRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	out := make([]model.Assignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ClaimAssignment 在一个事务中把代理分配给账号：
// 账号不能已有分配，代理必须存在、空闲且处于 ACTIVE 状态。
// 任一条件不满足返回 ErrClaimConflict，代理不存在返回 ErrNotFound。
func (s *Store) ClaimAssignment(ctx context.Context, accountID, proxyKey string, permanent bool) (model.Assignment, error) {
	row := assignmentRow{
		AccountID:   accountID,
		ProxyKey:    proxyKey,
		IsPermanent: permanent,
		CreatedAt:   time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&assignmentRow{}).Where("account_id = ?", accountID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrClaimConflict
		}

		var p proxyRow
		err := tx.Where("proxy_key = ?", proxyKey).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if p.AssignedAccount != nil || p.Status != string(model.StatusActive) {
			return ErrClaimConflict
		}

		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrClaimConflict
			}
			return err
		}
		return tx.Model(&proxyRow{}).Where("proxy_key = ?", proxyKey).
			Update("assigned_account", accountID).Error
	})
	if err != nil {
		return model.Assignment{}, err
	}
	return row.toModel(), nil
}

// DeleteAssignment 释放账号的分配，返回被释放的代理键。没有分配时返回空串和 nil。
func (s *Store) DeleteAssignment(ctx context.Context, accountID string) (string, error) {
	var proxyKey string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a assignmentRow
		err := tx.Where("account_id = ?", accountID).Take(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&assignmentRow{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		proxyKey = a.ProxyKey
		return tx.Model(&proxyRow{}).
			Where("proxy_key = ? AND assigned_account = ?", a.ProxyKey, accountID).
			Update("assigned_account", nil).Error
	})
	if err != nil {
		return "", fmt.Errorf("delete assignment %s: %w", accountID, err)
	}
	return proxyKey, nil
}

// SetAssignmentLock 修改锁定标记，没有分配时返回 false。
func (s *Store) SetAssignmentLock(ctx context.Context, accountID string, locked bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&assignmentRow{}).
		Where("account_id = ?", accountID).
		Update("is_locked", locked)
	if res.Error != nil {
		return false, fmt.Errorf("set lock %s: %w", accountID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetPermanent 修改永久分配标记，没有分配时返回 false。
func (s *Store) SetPermanent(ctx context.Context, accountID string, permanent bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&assignmentRow{}).
		Where("account_id = ?", accountID).
		Update("is_permanent", permanent)
	if res.Error != nil {
		return false, fmt.Errorf("set permanent %s: %w", accountID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// TransferAssignment 把 fromID 的分配整体移交给 toID（例如临时账号 ID 换成正式 ID）。
func (s *Store) TransferAssignment(ctx context.Context, fromID, toID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a assignmentRow
		err := tx.Where("account_id = ?", fromID).Take(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&assignmentRow{}).Where("account_id = ?", toID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrClaimConflict
		}
		if err := tx.Model(&assignmentRow{}).Where("account_id = ?", fromID).Update("account_id", toID).Error; err != nil {
			return err
		}
		return tx.Model(&proxyRow{}).Where("proxy_key = ?", a.ProxyKey).Update("assigned_account", toID).Error
	})
}

// AppendHealthLogs 批量写入探测日志。
func (s *Store) AppendHealthLogs(ctx context.Context, logs []model.HealthLog) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([]healthLogRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, healthLogRow{
			ID:        l.ID,
			ProxyKey:  l.ProxyKey,
			CheckedAt: l.CheckedAt.UTC(),
			Success:   l.Success,
			LatencyMs: l.LatencyMs,
			Error:     l.Error,
		})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("append health logs: %w", err)
	}
	return nil
}

// RecentHealthLogs 返回某个代理最近的探测记录，按时间倒序。
func (s *Store) RecentHealthLogs(ctx context.Context, proxyKey string, limit int) ([]model.HealthLog, error) {
	var rows []healthLogRow
	err := s.db.WithContext(ctx).
		Where("proxy_key = ?", proxyKey).
		Order("checked_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.HealthLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.HealthLog{
			ID:        r.ID,
			ProxyKey:  r.ProxyKey,
			CheckedAt: r.CheckedAt,
			Success:   r.Success,
			LatencyMs: r.LatencyMs,
			Error:     r.Error,
		})
	}
	return out, nil
}

// PurgeHealthLogs 删除 before 之前的探测日志，返回删除行数。
func (s *Store) PurgeHealthLogs(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("checked_at < ?", before.UTC()).Delete(&healthLogRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge health logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// LoadStats 读取全局统计，表为空时返回零值。
func (s *Store) LoadStats(ctx context.Context) (model.PoolStatistics, error) {
	var r statsRow
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.PoolStatistics{}, nil
	}
	if err != nil {
		return model.PoolStatistics{}, fmt.Errorf("load stats: %w", err)
	}
	return model.PoolStatistics{
		TotalFetched:    r.TotalFetched,
		TotalValidated:  r.TotalValidated,
		TotalFailed:     r.TotalFailed,
		EndpointsPolled: r.EndpointsPolled,
		LastFullPoll:    fromNullTime(r.LastFullPoll),
	}, nil
}

func (s *Store) SaveStats(ctx context.Context, st model.PoolStatistics) error {
	r := statsRow{
		ID:              1,
		TotalFetched:    st.TotalFetched,
		TotalValidated:  st.TotalValidated,
		TotalFailed:     st.TotalFailed,
		EndpointsPolled: st.EndpointsPolled,
		LastFullPoll:    nullTime(st.LastFullPoll),
	}
	if err := s.db.WithContext(ctx).Save(&r).Error; err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

// MigrateCredentials 把历史遗留的明文凭证重新加密。返回被改写的代理数量。
// 带密文前缀但无法用当前密钥解开的值保持不变。
func (s *Store) MigrateCredentials(ctx context.Context) (int, error) {
	if !s.cipher.Enabled() {
		return 0, nil
	}
	l := logger.WithComponent("ProxyPool/Storage")

	var rows []proxyRow
	err := s.db.WithContext(ctx).
		Where("username <> '' OR password <> ''").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("scan credentials: %w", err)
	}

	migrated := 0
	for _, r := range rows {
		user, userChanged := s.reencrypt(r.Username)
		pass, passChanged := s.reencrypt(r.Password)
		if !userChanged && !passChanged {
			continue
		}
		err := s.db.WithContext(ctx).Model(&proxyRow{}).
			Where("proxy_key = ?", r.Key).
			Updates(map[string]any{"username": user, "password": pass}).Error
		if err != nil {
			return migrated, fmt.Errorf("migrate credentials for %s: %w", r.Key, err)
		}
		migrated++
	}
	if migrated > 0 {
		l.Info().Int("count", migrated).Msg("Re-encrypted legacy plain-text proxy credentials.")
	}
	return migrated, nil
}

func (s *Store) reencrypt(value string) (string, bool) {
	if value == "" {
		return value, false
	}
	if _, ok := s.cipher.TryDecrypt(value); ok {
		return value, false
	}
	if securecrypt.IsCiphertext(value) {
		logger.WithComponent("ProxyPool/Storage").Warn().Msg("Found a credential encrypted with a different key; leaving it untouched.")
		return value, false
	}
	return s.cipher.Encrypt(value), true
}
