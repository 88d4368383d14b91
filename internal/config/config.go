package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/paths"
)

// ConfigBackupCount is the number of backup versions to keep.
const ConfigBackupCount = 5

// LoadResult contains the loaded config and metadata about where it came from.
type LoadResult struct {
	Config     *Config
	SourcePath string // path to the ssod.json that was found/created
	Created    bool   // true if no config file existed and defaults were written
}

// isMinimalJSON checks if JSON content is essentially empty (just {} or whitespace).
func isMinimalJSON(data []byte) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return true
	}
	return len(m) == 0
}

// Config is the merged ssod daemon configuration.
type Config struct {
	Storage     StorageConfig     `json:"storage"`
	Plugin      PluginConfig      `json:"plugin"`
	Identity    IdentityConfig    `json:"identity"`
	AuthSession AuthSessionConfig `json:"authSession"`
	General     GeneralConfig     `json:"general"`
	Db          DbConfig          `json:"db"`
	Log         LogConfig         `json:"log"`
}

// StorageConfig controls where the two sqlite databases live.
type StorageConfig struct {
	// Path is the directory holding metadata.db and secret.db.
	Path string `json:"path"`
	// SecureDir is a sub-directory of Path forced to mode 0700, used for
	// any on-disk material that must never be group/world readable.
	SecureDir string `json:"secureDir"`
}

// PluginConfig controls plugin subprocess lifetime.
type PluginConfig struct {
	// TimeoutSeconds is the proxy idle-eviction window; 0 disables eviction.
	TimeoutSeconds int `json:"timeoutSeconds"`
	// Sandbox enables bubblewrap confinement of worker subprocesses.
	Sandbox bool `json:"sandbox"`
}

// IdentityConfig controls Identity auto-dispose behavior.
type IdentityConfig struct {
	// TimeoutSeconds is the auto-dispose window once an identity's handle
	// set becomes empty; 0 disables auto-dispose.
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// AuthSessionConfig controls AuthSession auto-dispose behavior.
type AuthSessionConfig struct {
	// TimeoutSeconds is the auto-dispose window once a session's handle
	// set becomes empty; 0 disables auto-dispose.
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// GeneralConfig holds daemon-wide settings that don't fit the other groups.
type GeneralConfig struct {
	// Keychain is the SecurityContext granted bulk-clear privileges over
	// both stores (see CredentialsDatabase.ClearAll).
	Keychain KeychainConfig `json:"keychain"`
	// PluginsDir is where worker binaries and their manifests live.
	PluginsDir string `json:"pluginsDir"`
	// LoadersDir holds loader scripts/wrappers invoked to start a worker
	// that isn't a directly executable binary (e.g. interpreted plugins).
	LoadersDir string `json:"loadersDir"`
	// Extension names the access-control/storage backend to load.
	// "default" uses the built-ins registered by internal/acl.
	Extension string `json:"extension"`
}

// KeychainConfig identifies the SecurityContext of the keychain application.
type KeychainConfig struct {
	SystemContext string `json:"systemContext"`
	AppID         string `json:"appId"`
}

// DbConfig holds sqlite store limits.
type DbConfig struct {
	// MaxDataStorage is the per-update STORE blob size ceiling, in bytes.
	MaxDataStorage int `json:"maxDataStorage"`
}

// LogConfig holds the config file's Log section. Nothing in the daemon
// reads these fields after loading, so they do not change the logger.
type LogConfig struct {
	Level      string `json:"level"`      // trace|debug|info|warn|error
	TimeFormat string `json:"timeFormat"`
}

// defaults builds the built-in default configuration. Callers merge a
// config file on top of this; fields absent from the file keep these
// values.
func defaults() *Config {
	storageDir, _ := paths.DefaultStorageDir()
	pluginsDir, _ := paths.DefaultPluginsDir()

	return &Config{
		Storage: StorageConfig{
			Path:      storageDir,
			SecureDir: "secure",
		},
		Plugin: PluginConfig{
			TimeoutSeconds: 300,
			Sandbox:        true,
		},
		Identity: IdentityConfig{
			TimeoutSeconds: 300,
		},
		AuthSession: AuthSessionConfig{
			TimeoutSeconds: 300,
		},
		General: GeneralConfig{
			Keychain: KeychainConfig{
				SystemContext: "system",
				AppID:         "",
			},
			PluginsDir: pluginsDir,
			LoadersDir: filepath.Join(pluginsDir, "loaders"),
			Extension:  "default",
		},
		Db: DbConfig{
			MaxDataStorage: 1 << 20, // 1MiB
		},
		Log: LogConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
	}
}

// Load reads ssod.json (local, then ~/.config/ssod/ssod.json), merges it
// over the built-in defaults, and writes the defaults out if no config
// file existed yet.
func Load() (*LoadResult, error) {
	cfg := defaults()

	configPath, err := paths.ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if configPath == "" {
		// No config file anywhere yet - write the defaults to the default location.
		defaultPath, err := paths.DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolve default config path: %w", err)
		}
		if err := WriteConfigWithBackup(defaultPath, cfg); err != nil {
			logging.L_error("config: failed to write default config", "path", defaultPath, "error", err)
		} else {
			logging.L_info("config: wrote default config", "path", defaultPath)
		}
		return &LoadResult{Config: cfg, SourcePath: defaultPath, Created: true}, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	if isMinimalJSON(data) {
		logging.L_debug("config: file is empty, using defaults", "path", configPath)
		return &LoadResult{Config: cfg, SourcePath: configPath, Created: false}, nil
	}

	if err := mergeJSONConfig(cfg, data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	logging.L_debug("config: loaded",
		"path", configPath,
		"storagePath", cfg.Storage.Path,
		"pluginsDir", cfg.General.PluginsDir,
		"extension", cfg.General.Extension,
	)

	return &LoadResult{Config: cfg, SourcePath: configPath, Created: false}, nil
}

// mergeJSONConfig deep-merges JSON data into an existing config. Only
// top-level sections actually present in the JSON override the existing
// config, so a partial file never wipes out defaults for sections it
// doesn't mention.
func mergeJSONConfig(dst *Config, jsonData []byte) error {
	var rawMap map[string]interface{}
	if err := json.Unmarshal(jsonData, &rawMap); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	var src Config
	if err := json.Unmarshal(jsonData, &src); err != nil {
		return fmt.Errorf("parse to config: %w", err)
	}

	return mergeConfigSelective(dst, &src, rawMap)
}

// mergeConfigSelective merges src into dst, section by section, only for
// top-level fields that were present in the raw JSON map.
func mergeConfigSelective(dst, src *Config, rawMap map[string]interface{}) error {
	if _, ok := rawMap["storage"]; ok {
		if err := mergo.Merge(&dst.Storage, src.Storage, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["plugin"]; ok {
		if err := mergo.Merge(&dst.Plugin, src.Plugin, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["identity"]; ok {
		if err := mergo.Merge(&dst.Identity, src.Identity, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["authSession"]; ok {
		if err := mergo.Merge(&dst.AuthSession, src.AuthSession, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["general"]; ok {
		if err := mergo.Merge(&dst.General, src.General, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["db"]; ok {
		if err := mergo.Merge(&dst.Db, src.Db, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["log"]; ok {
		if err := mergo.Merge(&dst.Log, src.Log, mergo.WithOverride); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigWithBackup backs up any existing file at path, then atomically
// writes cfg as indented JSON.
func WriteConfigWithBackup(path string, cfg *Config) error {
	RotateBackups(path, ConfigBackupCount)

	if _, err := os.Stat(path); err == nil {
		backupPath := path + ".bak"
		if err := copyFile(path, backupPath); err != nil {
			logging.L_warn("config: failed to create backup", "path", backupPath, "error", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logging.L_info("config: written", "path", path, "size", len(data))
	return nil
}
