package backup

import (
	"SafeTrace/pkg/config"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Execute 根据配置执行数据库备份，返回备份文件路径
func Execute() (string, error) {
	cfg := config.GlobalConfig
	if cfg.BackupPath == "" {
		return "", fmt.Errorf("BACKUP_PATH not configured")
	}
	stamp := time.Now().Format("20060102_150405")
	switch cfg.DBDriver {
	case "sqlite":
		dst := filepath.Join(cfg.BackupPath, fmt.Sprintf("safetrace_backup_%s.db", stamp))
		return dst, backupSQLite(cfg.DSN, dst)
	case "mysql":
		dst := filepath.Join(cfg.BackupPath, fmt.Sprintf("safetrace_backup_%s.sql", stamp))
		return dst, backupMySQL(cfg.DSN, dst)
	default:
		return "", fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}
}

func ensureDir(dst string) error {
	dir := filepath.Dir(dst)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, os.ModePerm)
	}
	return nil
}

// backupSQLite 文件级拷贝。样本表只追加，拷贝期间的写入最多丢在下一轮
func backupSQLite(src, dst string) error {
	if err := ensureDir(dst); err != nil {
		return fmt.Errorf("failed to create backup directory: %v", err)
	}

	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening source file: %v", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating destination file: %v", err)
	}
	defer destFile.Close()

	if _, err = io.Copy(destFile, sourceFile); err != nil {
		return fmt.Errorf("error copying data: %v", err)
	}
	return nil
}

func backupMySQL(dsn, dst string) error {
	if err := ensureDir(dst); err != nil {
		return fmt.Errorf("failed to create backup directory: %v", err)
	}

	destFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating destination file: %v", err)
	}
	defer destFile.Close()

	cmd := exec.Command("mysqldump", dsn)
	cmd.Stdout = destFile
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to backup MySQL database: %v", err)
	}
	return nil
}
