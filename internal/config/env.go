package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

const (
	EnvKeyDataDir      string = "EQUIPMENT_INVENTORY_DATA_DIR"
	EnvKeyDBPath       string = "EQUIPMENT_INVENTORY_DB_PATH"
	EnvKeySettingsPath string = "EQUIPMENT_INVENTORY_SETTINGS_PATH"
	EnvKeyLogDir       string = "EQUIPMENT_INVENTORY_LOG_DIR"
	EnvKeySyncPort     string = "EQUIPMENT_INVENTORY_SYNC_PORT"
)

// LoadEnv reads .env style files into the process environment. Missing files
// are skipped; variables already set in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}

	return nil
}
