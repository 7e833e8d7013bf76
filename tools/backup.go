package tools

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/circuitide/circuit/errors"
)

const maxBackupsPerFile = 10

type backupEntry struct {
	content   []byte
	existed   bool
	timestamp time.Time
}

// BackupManager keeps per-file snapshots taken before mutating tools
// touch them, so /undo can roll changes back. At most ten snapshots are
// kept per file; the oldest are evicted first.
type BackupManager struct {
	mu           sync.Mutex
	workingDir   string
	backups      map[string][]backupEntry
	lastModified string
}

func NewBackupManager(workingDir string) *BackupManager {
	return &BackupManager{
		workingDir: workingDir,
		backups:    make(map[string][]backupEntry),
	}
}

// Backup snapshots the current state of path (relative to the working
// directory). A missing file is recorded so a restore can delete it.
func (b *BackupManager) Backup(path string) {
	full := filepath.Join(b.workingDir, path)

	entry := backupEntry{timestamp: time.Now()}
	if data, err := os.ReadFile(full); err == nil {
		entry.content = data
		entry.existed = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	stack := b.backups[path]
	if len(stack) >= maxBackupsPerFile {
		stack = stack[1:]
	}
	b.backups[path] = append(stack, entry)
	b.lastModified = path
}

// LastModified returns the path most recently backed up, or "".
func (b *BackupManager) LastModified() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastModified
}

// ListBackups reports how many snapshots exist per path.
func (b *BackupManager) ListBackups() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.backups))
	for path, stack := range b.backups {
		out[path] = len(stack)
	}
	return out
}

// Restore pops the most recent snapshot of path and writes it back. A
// snapshot of a file that did not exist deletes the file instead.
// Returns a human-readable message describing what happened.
func (b *BackupManager) Restore(path string) (string, error) {
	b.mu.Lock()
	stack := b.backups[path]
	if len(stack) == 0 {
		b.mu.Unlock()
		return "", errors.New("No backup found for %s", path)
	}
	entry := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(b.backups, path)
	} else {
		b.backups[path] = stack
	}
	b.mu.Unlock()

	full := filepath.Join(b.workingDir, path)
	if !entry.existed {
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "deleting %s", path)
		}
		return "Deleted " + path + " (file was newly created)", nil
	}
	if err := os.WriteFile(full, entry.content, 0o644); err != nil {
		return "", errors.Wrapf(err, "restoring %s", path)
	}
	return "Restored " + path + " from backup", nil
}
