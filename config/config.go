// Package config loads the agent's runtime settings from the environment
// (and an optional .env file): a single flat settings surface read once
// at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/marzneshin/marznode/logger"
)

// CredentialAlgorithm selects how user credentials are derived from the
// per-user key seed.
type CredentialAlgorithm string

const (
	// AlgorithmXXH128 is the canonical production default.
	AlgorithmXXH128 CredentialAlgorithm = "xxh128"
	// AlgorithmPlain bypasses hashing; migrations only.
	AlgorithmPlain CredentialAlgorithm = "plain"
)

// EngineConfig holds the settings for one supervised engine kind.
type EngineConfig struct {
	Enabled           bool
	BinaryPath        string
	AssetsPath        string
	ConfigPath        string
	RestartOnFailure  bool
	RestartInterval   time.Duration
	// ModInterval is only meaningful for sing-box: how often the dirty
	// user-modification batch is flushed to disk and SIGHUP'd.
	ModInterval time.Duration
}

// Config is the agent's full runtime configuration.
type Config struct {
	BindAddress string
	BindPort    int
	Insecure    bool

	SSLCertFile   string
	SSLKeyFile    string
	SSLClientCert string

	Debug bool
	// DebugHTTPAddress serves the websocket log-tail bridge
	// (reconcile.Service.DebugLogHandler) when Debug is set; it is never
	// started otherwise.
	DebugHTTPAddress string

	// RedisAddr, when non-empty, enables the best-effort Redis mirror of
	// user state (storage.RedisMirror) for local debug tooling.
	// RedisPrefix overrides the mirror's default key prefix.
	RedisAddr   string
	RedisPrefix string

	CredentialAlgorithm CredentialAlgorithm

	Xray      EngineConfig
	SingBox   EngineConfig
	Hysteria2 EngineConfig
}

// Load reads configuration from the process environment, after first
// loading a local .env file if one is present (missing .env is not an
// error — this mirrors godotenv.Load's convention of silently not
// overriding real environment variables).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warningf("failed to load .env file: %v", err)
	}

	cfg := &Config{
		BindAddress:         envString("SERVICE_ADDRESS", "0.0.0.0"),
		BindPort:            envInt("SERVICE_PORT", 62050),
		Insecure:            envBool("INSECURE", false),
		SSLCertFile:         envString("SSL_CERT_FILE", "./server.cert"),
		SSLKeyFile:          envString("SSL_KEY_FILE", "./server.key"),
		SSLClientCert:       envString("SSL_CLIENT_CERT_FILE", ""),
		Debug:               envBool("DEBUG", false),
		DebugHTTPAddress:    envString("DEBUG_HTTP_ADDRESS", "127.0.0.1:8081"),
		RedisAddr:           envString("REDIS_ADDR", ""),
		RedisPrefix:         envString("REDIS_PREFIX", ""),
		CredentialAlgorithm: CredentialAlgorithm(envString("CREDENTIAL_ALGORITHM", string(AlgorithmXXH128))),
		Xray: EngineConfig{
			Enabled:          envBool("XRAY_ENABLED", true),
			BinaryPath:       envString("XRAY_EXECUTABLE_PATH", "/usr/local/bin/xray"),
			AssetsPath:       envString("XRAY_ASSETS_PATH", "/usr/local/share/xray"),
			ConfigPath:       envString("XRAY_CONFIG_PATH", "/etc/marznode/xray_config.json"),
			RestartOnFailure: envBool("XRAY_RESTART_ON_FAILURE", true),
			RestartInterval:  envDuration("XRAY_RESTART_ON_FAILURE_INTERVAL", 5*time.Second),
		},
		SingBox: EngineConfig{
			Enabled:          envBool("SINGBOX_ENABLED", false),
			BinaryPath:       envString("SINGBOX_EXECUTABLE_PATH", "/usr/local/bin/sing-box"),
			AssetsPath:       envString("SINGBOX_ASSETS_PATH", "/usr/local/share/sing-box"),
			ConfigPath:       envString("SINGBOX_CONFIG_PATH", "/etc/marznode/sing_box_config.json"),
			RestartOnFailure: envBool("SINGBOX_RESTART_ON_FAILURE", true),
			RestartInterval:  envDuration("SINGBOX_RESTART_ON_FAILURE_INTERVAL", 5*time.Second),
			ModInterval:      envDuration("SINGBOX_USER_MODIFICATION_INTERVAL", 30*time.Second),
		},
		Hysteria2: EngineConfig{
			Enabled:          envBool("HYSTERIA2_ENABLED", false),
			BinaryPath:       envString("HYSTERIA2_EXECUTABLE_PATH", "/usr/local/bin/hysteria"),
			ConfigPath:       envString("HYSTERIA2_CONFIG_PATH", "/etc/marznode/hysteria2_config.yaml"),
			RestartOnFailure: envBool("HYSTERIA2_RESTART_ON_FAILURE", true),
			RestartInterval:  envDuration("HYSTERIA2_RESTART_ON_FAILURE_INTERVAL", 5*time.Second),
		},
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		logger.Warningf("invalid bool for %s=%q, using default", key, v)
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warningf("invalid int for %s=%q, using default", key, v)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warningf("invalid duration seconds for %s=%q, using default", key, v)
		return def
	}
	return time.Duration(secs) * time.Second
}
