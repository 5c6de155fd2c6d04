package agent

import (
	"fmt"
	"os"
	"path/filepath"
)

// The reboot marker is a transient file (conventionally under /run, so it
// vanishes with the reboot it announces). Its presence tells the teardown
// handler that the shutdown is a reboot and the lease must be kept.

func writeMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	if err := os.WriteFile(path, []byte("reboot-pending\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write marker %s: %w", path, err)
	}
	return nil
}

func markerExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
