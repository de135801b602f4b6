package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
)

// FileLedger persists the committed set as a JSON array of UID strings,
// rewritten whole on every commit. The expected set is small (one entry per
// study, not per instance), so rewrite cost is irrelevant next to a relay.
type FileLedger struct {
	mu   sync.Mutex
	path string
	uids map[string]struct{}
}

// NewFileLedger loads path, falling back to an empty set when the file is
// missing or unreadable. Load problems never block startup: after a lost
// state file the worst case is one re-delivery per study, which the
// destination absorbs as an overwrite.
func NewFileLedger(path string) *FileLedger {
	l := &FileLedger{path: path, uids: make(map[string]struct{})}

	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Log.WithError(err).WithField("path", path).Warn("failed to read ledger file, starting empty")
		}
		return l
	}

	var uids []string
	if err := json.Unmarshal(content, &uids); err != nil {
		logger.Log.WithError(err).WithField("path", path).Warn("ledger file is corrupt, starting empty")
		return l
	}

	for _, uid := range uids {
		if uid != "" {
			l.uids[uid] = struct{}{}
		}
	}
	logger.Log.WithFields(map[string]interface{}{
		"path":    path,
		"studies": len(l.uids),
	}).Info("Loaded relay ledger")
	return l
}

func (l *FileLedger) Contains(uid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.uids[uid]
	return ok
}

func (l *FileLedger) Commit(uid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.uids[uid] = struct{}{}
	return l.persistLocked()
}

func (l *FileLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.uids)
}

func (l *FileLedger) persistLocked() error {
	uids := make([]string, 0, len(l.uids))
	for uid := range l.uids {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	content, err := json.Marshal(uids)
	if err != nil {
		return fmt.Errorf("marshaling ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	// Write-then-rename keeps a crash mid-write from corrupting the file.
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}
