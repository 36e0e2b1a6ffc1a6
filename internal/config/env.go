package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays environment variables on the decoded file. The current
// file value is the fallback for each variable.
func (r *rawConfig) applyEnv() {
	r.Common.LogLevel = getEnv("LOG_LEVEL", r.Common.LogLevel)
	r.Common.InstanceID = getEnv("INSTANCE_ID", r.Common.InstanceID)
	r.Capture.URL = getEnv("CAPTURE_URL", r.Capture.URL)
	r.Capture.Interval = getEnvFloat("CAPTURE_INTERVAL", r.Capture.Interval)
	r.Detection.HashSize = getEnvInt("HASH_SIZE", r.Detection.HashSize)
	r.Priority = getEnvList("STATE_PRIORITY", r.Priority)
	r.Output.HistoryDB = getEnv("HISTORY_DB", r.Output.HistoryDB)
	r.Telegram.Enabled = getEnvBool("TELEGRAM_ENABLED", r.Telegram.Enabled)
	r.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", r.Telegram.BotToken)
	r.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", r.Telegram.ChatID)
	r.API.HTTPAddr = getEnv("HTTP_ADDR", r.API.HTTPAddr)
	r.API.GRPCAddr = getEnv("GRPC_ADDR", r.API.GRPCAddr)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
