// Package config centralizes the sync core's environment-driven
// configuration (spec §6), following the teacher's pattern of a
// package-level viper singleton with automatic environment binding and
// defaults set up front — adapted here from the teacher's multi-source
// precedence chain (env var > config file > default) down to the single
// env-var-only precedence the spec calls for, since there is no
// version-controlled config.yaml in this system's design.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChromaMode selects between a local file-backed gateway and a remote
// HTTP gateway for the vector store.
type ChromaMode string

const (
	ChromaModePersistent ChromaMode = "persistent"
	ChromaModeServer     ChromaMode = "server"
)

var v *viper.Viper

// Initialize sets up the viper singleton. Should be called once at
// process startup, before any other package reads configuration.
func Initialize() error {
	v = viper.New()

	v.SetEnvPrefix("") // spec's env vars are not prefixed (CHROMA_*, DOLT_*, ...)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("CHROMA_MODE", string(ChromaModePersistent))
	v.SetDefault("CHROMA_DATA_PATH", "./.dmms/chroma")
	v.SetDefault("CHROMA_HOST", "localhost")
	v.SetDefault("CHROMA_PORT", 8000)

	v.SetDefault("DOLT_REPOSITORY_PATH", ".")
	v.SetDefault("DOLT_EXECUTABLE_PATH", "dolt")
	v.SetDefault("DOLT_REMOTE_NAME", "origin")
	v.SetDefault("DOLT_REMOTE_URL", "")
	v.SetDefault("DOLT_COMMAND_TIMEOUT", "30s")

	v.SetDefault("CONNECTION_TIMEOUT", "30s")
	v.SetDefault("BUFFER_SIZE", 65536)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_DELAY", "1s")

	v.SetDefault("ENABLE_LOGGING", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE_NAME", "")

	v.SetDefault("BULK_OPERATION_TIMEOUT", "120s")

	return nil
}

func ensure() {
	if v == nil {
		_ = Initialize()
	}
}

func GetString(key string) string {
	ensure()
	return v.GetString(key)
}

func GetInt(key string) int {
	ensure()
	return v.GetInt(key)
}

func GetBool(key string) bool {
	ensure()
	return v.GetBool(key)
}

func GetDuration(key string) time.Duration {
	ensure()
	return v.GetDuration(key)
}

// Chroma bundles the Chroma-gateway-relevant configuration (spec §6).
type Chroma struct {
	Mode     ChromaMode
	DataPath string
	Host     string
	Port     int
}

func LoadChroma() Chroma {
	return Chroma{
		Mode:     ChromaMode(GetString("CHROMA_MODE")),
		DataPath: GetString("CHROMA_DATA_PATH"),
		Host:     GetString("CHROMA_HOST"),
		Port:     GetInt("CHROMA_PORT"),
	}
}

// Dolt bundles the Dolt-gateway-relevant configuration (spec §6).
type Dolt struct {
	RepositoryPath string
	ExecutablePath string
	RemoteName     string
	RemoteURL      string
	CommandTimeout time.Duration
}

func LoadDolt() Dolt {
	return Dolt{
		RepositoryPath: GetString("DOLT_REPOSITORY_PATH"),
		ExecutablePath: GetString("DOLT_EXECUTABLE_PATH"),
		RemoteName:     GetString("DOLT_REMOTE_NAME"),
		RemoteURL:      GetString("DOLT_REMOTE_URL"),
		CommandTimeout: GetDuration("DOLT_COMMAND_TIMEOUT"),
	}
}

// Retry bundles retry/backoff configuration shared by every external
// call (spec §5, §7).
type Retry struct {
	MaxRetries int
	RetryDelay time.Duration
}

func LoadRetry() Retry {
	return Retry{
		MaxRetries: GetInt("MAX_RETRIES"),
		RetryDelay: GetDuration("RETRY_DELAY"),
	}
}

// Timeouts bundles the two timeout tiers named in spec §5.
type Timeouts struct {
	Connection     time.Duration
	BulkOperation  time.Duration
}

func LoadTimeouts() Timeouts {
	return Timeouts{
		Connection:    GetDuration("CONNECTION_TIMEOUT"),
		BulkOperation: GetDuration("BULK_OPERATION_TIMEOUT"),
	}
}
