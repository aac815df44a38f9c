package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"proxyfleet/internal/shared/logger"
)

const backupTimeLayout = "20060102-150405.000000"

// ErrBackupUnsupported 表示当前数据库（例如内存库）无法生成快照。
var ErrBackupUnsupported = errors.New("in-memory database cannot be backed up")

// BackupDir 返回备份目录，未配置时为数据库同级的 backups 目录。
func (s *Store) BackupDir() string {
	if s.conf.BackupDir != "" {
		return s.conf.BackupDir
	}
	return filepath.Join(filepath.Dir(s.conf.DBPath), "backups")
}

// Backup 使用 VACUUM INTO 生成一份一致的快照，校验快照完整性，
// 写入 .sha256 校验文件，并只保留最新的 backup_keep 份。返回快照路径。
func (s *Store) Backup(ctx context.Context) (string, error) {
	if isMemoryPath(s.conf.DBPath) {
		return "", ErrBackupUnsupported
	}
	l := logger.WithComponent("ProxyPool/Storage")

	dir := s.BackupDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(s.conf.DBPath), filepath.Ext(s.conf.DBPath))
	dest := filepath.Join(dir, fmt.Sprintf("%s-%s.db", base, time.Now().UTC().Format(backupTimeLayout)))

	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", dest).Error; err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", dest, err)
	}

	if err := verifySnapshot(dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	sum, err := fileSHA256(dest)
	if err != nil {
		return "", err
	}
	sidecar := fmt.Sprintf("%s  %s\n", sum, filepath.Base(dest))
	if err := os.WriteFile(dest+".sha256", []byte(sidecar), 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}
	if err := VerifyBackup(dest); err != nil {
		_ = os.Remove(dest)
		_ = os.Remove(dest + ".sha256")
		return "", err
	}

	if err := s.rotateBackups(dir, base); err != nil {
		l.Warn().Err(err).Msg("Failed to rotate old backups.")
	}
	l.Info().Str("path", dest).Msg("Database backup created.")
	return dest, nil
}

// verifySnapshot 重新打开快照并执行完整性检查。
func verifySnapshot(path string) error {
	db, err := gorm.Open(sqlite.Open("file:"+path+"?mode=ro"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open backup %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := integrityCheck(db); err != nil {
		return fmt.Errorf("backup %s: %w", path, err)
	}
	return nil
}

// VerifyBackup 对比快照文件与其 .sha256 校验文件。
func VerifyBackup(path string) error {
	data, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return fmt.Errorf("failed to read checksum: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return fmt.Errorf("empty checksum file for %s", path)
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return err
	}
	if sum != fields[0] {
		return fmt.Errorf("checksum mismatch for %s", path)
	}
	return nil
}

// VerifyLatestBackup 校验最新一份快照与其 .sha256 是否一致，返回快照路径。
// 还没有任何快照时返回空串和 nil。
func (s *Store) VerifyLatestBackup() (string, error) {
	if isMemoryPath(s.conf.DBPath) {
		return "", ErrBackupUnsupported
	}
	base := strings.TrimSuffix(filepath.Base(s.conf.DBPath), filepath.Ext(s.conf.DBPath))
	backups, err := ListBackups(s.BackupDir(), base)
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", nil
	}
	latest := backups[len(backups)-1]
	return latest, VerifyBackup(latest)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ListBackups 返回 dir 中属于本数据库的快照，按时间从旧到新排序。
func ListBackups(dir, base string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, base+"-*.db"))
	if err != nil {
		return nil, err
	}
	// 时间戳格式保证字典序即时间序
	sort.Strings(matches)
	return matches, nil
}

func (s *Store) rotateBackups(dir, base string) error {
	keep := s.conf.BackupKeep
	if keep <= 0 {
		keep = 5
	}
	backups, err := ListBackups(dir, base)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	var errs []error
	for _, old := range backups[:len(backups)-keep] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		if err := os.Remove(old + ".sha256"); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
