package config

import (
	"os"
	"strings"
	"time"
)

// AgentConfig holds runtime configuration for the runner agent.
type AgentConfig struct {
	Environment       string
	APIURL            string
	Token             string
	TokenFile         string
	Dir               string
	HeartbeatInterval time.Duration
	ClaimInterval     time.Duration
	LogTailBytes      int
	ExecTimeout       time.Duration
	MetricsAddr       string
	RequestTimeout    time.Duration
	LogMaxSizeMB      int
	LogMaxBackups     int
	KeepMissionFiles  bool
	ReportAttempts    int
	LogLevel          string
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		Environment:       GetString("APP_ENV", "production"),
		APIURL:            GetString("HFC_API_URL", "http://localhost:4000"),
		Token:             GetString("HFC_TOKEN", ""),
		TokenFile:         GetString("HFC_TOKEN_FILE", "/opt/hamayni/.token"),
		Dir:               GetString("AGENT_DIR", "/opt/hamayni"),
		HeartbeatInterval: GetDuration("HEARTBEAT_INTERVAL_SECONDS", 60*time.Second),
		ClaimInterval:     GetDuration("CLAIM_INTERVAL_SECONDS", 5*time.Second),
		LogTailBytes:      GetInt("LOG_TAIL_BYTES", 10000),
		ExecTimeout:       GetDuration("AGENT_EXEC_TIMEOUT_SECONDS", 0),
		MetricsAddr:       GetString("AGENT_METRICS_ADDR", ""),
		RequestTimeout:    GetDuration("AGENT_REQUEST_TIMEOUT_SECONDS", 30*time.Second),
		LogMaxSizeMB:      GetInt("AGENT_LOG_MAX_SIZE_MB", 20),
		LogMaxBackups:     GetInt("AGENT_LOG_MAX_BACKUPS", 5),
		KeepMissionFiles:  GetBool("AGENT_KEEP_MISSION_FILES", true),
		ReportAttempts:    GetInt("AGENT_REPORT_ATTEMPTS", 5),
		LogLevel:          GetString("AGENT_LOG_LEVEL", "info"),
	}
}

// ResolveToken returns the configured token, reading TokenFile when the
// token is not set directly.
func (c AgentConfig) ResolveToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
