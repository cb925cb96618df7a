package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// LoadFile reads and decodes a rule document.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("rule file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseFile(data)
}

// LoadRuleSet reads a rule document and compiles it with the given switches.
func LoadRuleSet(path string, enabledFlag, auditOnly bool, logger *logrus.Logger) (*RuleSet, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Build(f, enabledFlag, auditOnly, path, logger), nil
}

// WriteFile validates a rule document and persists it by writing a temp file in
// the same directory and renaming it over path. Readers never see a partial file.
func WriteFile(path string, data []byte) error {
	f, err := ParseFile(data)
	if err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("rule file rejected: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create rule directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp rule file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rule file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync rule file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close rule file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace rule file: %w", err)
	}
	return nil
}
