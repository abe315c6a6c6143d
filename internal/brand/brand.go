// Package brand holds the product identity and default filesystem locations.
//
// The values are loaded from brand.json at compile time via go:embed so that
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name              string `json:"name"`
	LowerName         string `json:"lowerName"`
	Description       string `json:"description"`
	ConfigEnvPrefix   string `json:"configEnvPrefix"`
	DefaultConfigDir  string `json:"defaultConfigDir"`
	DefaultRunDir     string `json:"defaultRunDir"`
	DefaultHostapdDir string `json:"defaultHostapdDir"`
	SocketName        string `json:"socketName"`
	BinaryName        string `json:"binaryName"`
	ConfigFileName    string `json:"configFileName"`
	SyslogTag         string `json:"syslogTag"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultRunDir = b.DefaultRunDir
	DefaultHostapdDir = b.DefaultHostapdDir
	SocketName = b.SocketName
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	SyslogTag = b.SyslogTag
}

var (
	Name              string
	LowerName         string
	Description       string
	ConfigEnvPrefix   string
	DefaultConfigDir  string
	DefaultRunDir     string
	DefaultHostapdDir string
	SocketName        string
	BinaryName        string
	ConfigFileName    string
	SyslogTag         string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

// Get returns the full Brand struct.
func Get() Brand {
	return b
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: APMUX_CONFIG_DIR > APMUX_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// GetRunDir returns the runtime directory for sockets.
// Priority: APMUX_RUN_DIR > APMUX_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_RUN_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "run")
	}
	return DefaultRunDir
}

// GetConfigPath returns the default config file path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// GetSocketPath returns the default IPC socket path.
func GetSocketPath() string {
	return filepath.Join(GetRunDir(), SocketName)
}
