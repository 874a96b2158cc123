package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roelfdiedericks/serialmon/internal/logging"
)

// DefaultBackupCount is how many previous versions Save keeps.
const DefaultBackupCount = 5

// maxBackupScan bounds the search for backup files.
const maxBackupScan = 100

// BackupInfo describes one saved version of a config file.
type BackupInfo struct {
	Path    string
	Index   int // 0 is the newest (.bak), then .bak.1, .bak.2 ...
	ModTime time.Time
	Size    int64
}

// backupName returns the file holding backup index i of path.
func backupName(path string, i int) string {
	if i == 0 {
		return path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", path, i)
}

// AtomicWrite replaces path with data via a temp file in the same directory,
// so readers (and the Watcher) never see a half-written config.
func AtomicWrite(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".serialmon-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// BackupAndWrite keeps the current file as backup 0, shifting older
// backups up and dropping those beyond maxBackups, then writes data.
// A failed backup is logged and does not stop the write.
func BackupAndWrite(path string, data []byte, maxBackups int) error {
	if maxBackups <= 0 {
		maxBackups = DefaultBackupCount
	}

	if current, err := os.ReadFile(path); err == nil {
		RotateBackups(path, maxBackups)
		if err := AtomicWrite(backupName(path, 0), current, 0600); err != nil {
			logging.L_warn("config: backup failed, saving anyway", "path", path, "error", err)
		}
	}

	if err := AtomicWrite(path, data, 0600); err != nil {
		return err
	}
	logging.L_debug("config: saved", "path", path)
	return nil
}

// RotateBackups makes room for a new backup 0: index i moves to i+1 and
// the index maxBackups-1 falls off.
func RotateBackups(path string, maxBackups int) {
	if maxBackups <= 1 {
		return
	}

	last := maxBackups - 1
	if err := os.Remove(backupName(path, last)); err != nil && !os.IsNotExist(err) {
		logging.L_trace("config: drop oldest backup", "path", backupName(path, last), "error", err)
	}
	for i := last - 1; i >= 0; i-- {
		from, to := backupName(path, i), backupName(path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			logging.L_trace("config: rotate backup", "from", from, "to", to, "error", err)
		}
	}
}

// ListBackups returns the backups of path, newest first.
func ListBackups(path string) []BackupInfo {
	var backups []BackupInfo
	for i := 0; i < maxBackupScan; i++ {
		name := backupName(path, i)
		info, err := os.Stat(name)
		if err != nil {
			break
		}
		backups = append(backups, BackupInfo{
			Path:    name,
			Index:   i,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	return backups
}

// RestoreBackup puts backup index back in place. The backup must parse as a
// config; the file it replaces becomes the new backup 0.
func RestoreBackup(path string, index int) error {
	if index < 0 || index >= maxBackupScan {
		return fmt.Errorf("backup index %d not found", index)
	}
	name := backupName(path, index)
	data, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return fmt.Errorf("backup index %d not found", index)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if _, err := Parse(data, isTOML(path)); err != nil {
		return fmt.Errorf("backup is not a valid config: %w", err)
	}

	if err := BackupAndWrite(path, data, DefaultBackupCount); err != nil {
		return fmt.Errorf("write restored config: %w", err)
	}

	logging.L_info("config: restored backup", "from", name, "to", path)
	return nil
}
