package supervisor

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// backupPattern matches retained backup file names and captures the unix
// timestamp they carry.
var backupPattern = regexp.MustCompile(`^knowledge_graph_(\d+)\.db$`)

// StartBackups runs one immediate backup when configured to, then schedules
// periodic ones. The returned stop function drains the scheduler.
func (s *Supervisor) StartBackups() (stop func(), err error) {
	if s.cfg.BackupDir == "" {
		return func() {}, nil
	}
	if s.cfg.BackupOnStart {
		if err := s.RunBackup(); err != nil {
			log.Printf("WARNING: startup backup: %v", err)
		}
	}

	c := cron.New()
	interval := time.Duration(s.cfg.BackupInterval)
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	_, err = c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := s.RunBackup(); err != nil {
			log.Printf("WARNING: scheduled backup: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: schedule backups: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// RunBackup copies the database file into the backup directory with a
// timestamped name and applies the retention policy.
func (s *Supervisor) RunBackup() error {
	if err := os.MkdirAll(s.cfg.BackupDir, 0o700); err != nil {
		return err
	}
	dst := filepath.Join(s.cfg.BackupDir,
		fmt.Sprintf("knowledge_graph_%d.db", time.Now().Unix()))
	if err := copyFile(s.cfg.DatabasePath, dst); err != nil {
		return fmt.Errorf("supervisor: backup copy: %w", err)
	}
	return s.applyRetention()
}

// applyRetention keeps the newest MinBackups files and never deletes a
// backup younger than MinBackupAgeDays, whichever protects more.
func (s *Supervisor) applyRetention() error {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		return err
	}

	type backup struct {
		name string
		ts   int64
	}
	var backups []backup
	for _, e := range entries {
		m := backupPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		ts, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		backups = append(backups, backup{name: e.Name(), ts: ts})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ts > backups[j].ts })

	keep := s.cfg.MinBackups
	if keep <= 0 {
		keep = 5
	}
	minAge := time.Duration(s.cfg.MinBackupAgeDays) * 24 * time.Hour
	if s.cfg.MinBackupAgeDays <= 0 {
		minAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-minAge).Unix()

	for i, b := range backups {
		if i < keep {
			continue
		}
		if b.ts > cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.BackupDir, b.name)); err != nil {
			log.Printf("WARNING: prune backup %s: %v", b.name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
