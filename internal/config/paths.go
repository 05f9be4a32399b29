package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
)

// AppName is the config name used for the platform data directory.
const AppName = "pbqueue"

// DefaultDataDir resolves the data directory: $PBQUEUE_DATA_DIR, then the
// platform app data dir for pbqueue.
func DefaultDataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvPrefix + "_DATA_DIR")); dir != "" {
		return filepath.Clean(dir), nil
	}
	dir := strings.TrimSpace(gfconfig.GetAppDataDir(AppName))
	if dir == "" {
		return "", fmt.Errorf("app data dir is not available for %s", AppName)
	}
	return filepath.Clean(dir), nil
}

// DefaultSettingsPath is settings.yaml inside the data directory.
func DefaultSettingsPath(dataDir string) string {
	return filepath.Join(dataDir, "settings.yaml")
}
