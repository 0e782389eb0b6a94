package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultRulesDir is where the device manager picks up rule files.
const DefaultRulesDir = "/etc/udev/rules.d"

// RuleFileName is the single file this tool appends to. The 99- prefix makes
// it run after distribution-shipped rules.
const RuleFileName = "99-usb-soundcards.rules"

// ruleFileMode is world-readable, owner-writable.
const ruleFileMode fs.FileMode = 0o644

// ErrRuleInstall wraps any filesystem failure while committing a record. The
// target file is guaranteed untouched when this is returned.
var ErrRuleInstall = errors.New("failed to install rule")

// Store persists rule records to a single append-only file.
//
// Commit is atomic with respect to readers and crashes, not concurrent
// writers; the tool is a short-lived, root-only process and a single writer
// at a time is an operational assumption, not an enforced one.
type Store struct {
	Path string
}

// NewStore points a store at the rule file inside dir.
func NewStore(dir string) Store {
	return Store{Path: filepath.Join(dir, RuleFileName)}
}

// Commit appends a record to the rule file. The new content is staged in a
// temporary file in the same directory (existing bytes first, then the new
// record) and atomically renamed over the target, so a reader or a crash at
// any instant observes either the old complete file or the new complete
// file, never a partial write.
func (s Store) Commit(rec Record) error {
	dir := filepath.Dir(s.Path)

	tempFile, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrRuleInstall, err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	// Append semantics: prior records are carried over byte-for-byte.
	existing, err := os.ReadFile(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: reading existing rules: %v", ErrRuleInstall, err)
	}
	if len(existing) > 0 {
		if _, err := tempFile.Write(existing); err != nil {
			return fmt.Errorf("%w: copying existing rules: %v", ErrRuleInstall, err)
		}
	}

	if _, err := tempFile.WriteString(rec.Text()); err != nil {
		return fmt.Errorf("%w: writing record: %v", ErrRuleInstall, err)
	}

	if err := tempFile.Chmod(ruleFileMode); err != nil {
		return fmt.Errorf("%w: setting file mode: %v", ErrRuleInstall, err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrRuleInstall, err)
	}

	if err := os.Rename(tempPath, s.Path); err != nil {
		return fmt.Errorf("%w: renaming into place: %v", ErrRuleInstall, err)
	}

	success = true
	return nil
}

// EnsureRulesDir creates the rules directory if missing and fixes its
// permissions so the device manager can read it.
func EnsureRulesDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create rules directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to check rules directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s exists but is not a directory", dir)
	}

	if info.Mode().Perm()&0o755 != 0o755 {
		if err := os.Chmod(dir, 0o755); err != nil {
			return fmt.Errorf("failed to set permissions on rules directory: %w", err)
		}
	}

	return nil
}
