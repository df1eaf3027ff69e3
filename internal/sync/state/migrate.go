package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MigrateLegacyState moves a pre-2.0 state file from its old location to
// newPath, upgrading the format on the way. It is a no-op when newPath
// already exists or no old file is found. Returns true when a migration
// happened.
func MigrateLegacyState(oldPath, newPath string) (bool, error) {
	if oldPath == "" {
		oldPath = "./cache/sync_state.json"
	}
	if newPath == "" {
		newPath = DefaultStateFile
	}

	if _, err := os.Stat(newPath); err == nil {
		return false, nil
	}

	oldData, err := os.ReadFile(oldPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read old state file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return false, fmt.Errorf("failed to create state directory: %w", err)
	}

	var legacy legacyState
	if err := json.Unmarshal(oldData, &legacy); err != nil {
		return false, fmt.Errorf("invalid old state format: %w", err)
	}

	if err := legacy.upgrade().Save(newPath); err != nil {
		return false, fmt.Errorf("failed to save migrated state: %w", err)
	}

	// Leave a marker instead of deleting, so a bad migration can be undone.
	if err := os.Rename(oldPath, oldPath+".migrated"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to rename old state file: %v\n", err)
	}

	return true, nil
}
