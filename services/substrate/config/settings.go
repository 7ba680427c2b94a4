// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the flat, dot-delimited settings namespace for the
// substrate. Every setting has a default, a dot-name used in diagnostics
// (for example "observability.sampling_rate"), and an environment override.
// Observability keys use the OBS_ prefix, everything else SUBSTRATE_.
//
// Invalid environment values never abort startup: the default is kept and
// a warning is logged.
package config

import (
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Exporter names accepted in observability.exporters.
const (
	ExporterConsole   = "console"
	ExporterFile      = "file"
	ExporterSubstrate = "substrate"
)

// Observability configures the trace/span plane and the circuit breakers.
// Env prefix: OBS_.
type Observability struct {
	// Enabled turns the span plane on. OBS_ENABLED.
	Enabled bool

	// SamplingRate is the base head-sampling rate for OK spans, in [0,1].
	// OBS_SAMPLING_RATE.
	SamplingRate float64

	// ErrorSamplingRate applies to spans finishing with ERROR; 1.0 forces
	// export regardless of the head decision. OBS_ERROR_SAMPLING_RATE.
	ErrorSamplingRate float64

	// Exporters is the ordered sink list from {console, file, substrate}.
	// OBS_EXPORTERS, comma-separated.
	Exporters []string

	// BatchSize flushes the export batch when reached. OBS_BATCH_SIZE.
	BatchSize int

	// BatchTimeoutSec flushes the export batch when elapsed. OBS_BATCH_TIMEOUT_SEC.
	BatchTimeoutSec int

	// FileExportPath is the JSON-lines target for the file exporter.
	// OBS_FILE_EXPORT_PATH.
	FileExportPath string

	// SubstrateEnabled gates the packet-store sink. OBS_SUBSTRATE_ENABLED.
	SubstrateEnabled bool

	// CircuitBreakerThreshold is the failure count that opens a breaker.
	// OBS_CIRCUIT_BREAKER_THRESHOLD.
	CircuitBreakerThreshold int

	// CircuitBreakerWindowSec is the sliding failure-count window.
	// OBS_CIRCUIT_BREAKER_WINDOW_SEC.
	CircuitBreakerWindowSec int

	// ContextMaxTokens bounds assembled agent context. OBS_CONTEXT_MAX_TOKENS.
	ContextMaxTokens int
}

// Substrate configures storage engines, the HTTP boundary, and the
// background workers. Env prefix: SUBSTRATE_.
type Substrate struct {
	// HTTPAddr is the listen address of the boundary. SUBSTRATE_HTTP_ADDR.
	HTTPAddr string

	// PostgresDSN connects the packet store; empty selects the in-memory
	// store (lightweight mode). SUBSTRATE_POSTGRES_DSN.
	PostgresDSN string

	// Neo4jURI / Neo4jUser / Neo4jPassword connect the graph state store;
	// an empty URI selects the in-memory graph. SUBSTRATE_NEO4J_URI,
	// SUBSTRATE_NEO4J_USER, SUBSTRATE_NEO4J_PASSWORD.
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// RedisAddr connects the recovery fallback cache; empty disables it.
	// SUBSTRATE_REDIS_ADDR.
	RedisAddr string

	// KernelDir holds the kernel manifests. SUBSTRATE_KERNEL_DIR.
	KernelDir string

	// LedgerDir holds the badger kernel-hash ledger. SUBSTRATE_LEDGER_DIR.
	LedgerDir string

	// KernelHotReload enables the fsnotify watcher. SUBSTRATE_KERNEL_HOT_RELOAD.
	KernelHotReload bool

	// PruneIntervalSec is the TTL prune cadence. SUBSTRATE_PRUNE_INTERVAL_SEC.
	PruneIntervalSec int

	// PruneBatchSize caps deletions per cycle. SUBSTRATE_PRUNE_BATCH_SIZE.
	PruneBatchSize int

	// ToolTimeoutSec is the default per-tool dispatch timeout.
	// SUBSTRATE_TOOL_TIMEOUT_SEC.
	ToolTimeoutSec int

	// AuditQueueSize bounds the audit worker queue. SUBSTRATE_AUDIT_QUEUE_SIZE.
	AuditQueueSize int

	// ResearchMaxRetries / ResearchScoreThreshold control the critic loop.
	// SUBSTRATE_RESEARCH_MAX_RETRIES, SUBSTRATE_RESEARCH_SCORE_THRESHOLD.
	ResearchMaxRetries     int
	ResearchScoreThreshold float64

	// LLMBackend selects the chat backend: "openai" or "mock".
	// SUBSTRATE_LLM_BACKEND.
	LLMBackend string

	// LogLevel / LogDir / LogJSON configure pkg/logging.
	// SUBSTRATE_LOG_LEVEL, SUBSTRATE_LOG_DIR, SUBSTRATE_LOG_JSON.
	LogLevel string
	LogDir   string
	LogJSON  bool
}

// Settings is the full configuration of one substrate process.
type Settings struct {
	Observability Observability
	Substrate     Substrate
}

// Defaults returns the documented default for every setting.
func Defaults() *Settings {
	return &Settings{
		Observability: Observability{
			Enabled:                 true,
			SamplingRate:            0.10,
			ErrorSamplingRate:       1.0,
			Exporters:               []string{ExporterConsole},
			BatchSize:               64,
			BatchTimeoutSec:         5,
			FileExportPath:          "./spans.jsonl",
			SubstrateEnabled:        false,
			CircuitBreakerThreshold: 5,
			CircuitBreakerWindowSec: 60,
			ContextMaxTokens:        8192,
		},
		Substrate: Substrate{
			HTTPAddr:               ":12220",
			KernelDir:              "./kernels",
			LedgerDir:              "./data/kernel_ledger",
			KernelHotReload:        false,
			PruneIntervalSec:       3600,
			PruneBatchSize:         1000,
			ToolTimeoutSec:         30,
			AuditQueueSize:         256,
			ResearchMaxRetries:     2,
			ResearchScoreThreshold: 0.7,
			LLMBackend:             "mock",
			LogLevel:               "info",
		},
	}
}

// Load returns Defaults overridden by the environment.
func Load() *Settings {
	s := Defaults()
	o := &s.Observability

	o.Enabled = getEnvBool("OBS_ENABLED", o.Enabled)
	o.SamplingRate = getEnvFloat("OBS_SAMPLING_RATE", o.SamplingRate)
	o.ErrorSamplingRate = getEnvFloat("OBS_ERROR_SAMPLING_RATE", o.ErrorSamplingRate)
	o.Exporters = getEnvList("OBS_EXPORTERS", o.Exporters)
	o.BatchSize = getEnvInt("OBS_BATCH_SIZE", o.BatchSize)
	o.BatchTimeoutSec = getEnvInt("OBS_BATCH_TIMEOUT_SEC", o.BatchTimeoutSec)
	o.FileExportPath = getEnvOr("OBS_FILE_EXPORT_PATH", o.FileExportPath)
	o.SubstrateEnabled = getEnvBool("OBS_SUBSTRATE_ENABLED", o.SubstrateEnabled)
	o.CircuitBreakerThreshold = getEnvInt("OBS_CIRCUIT_BREAKER_THRESHOLD", o.CircuitBreakerThreshold)
	o.CircuitBreakerWindowSec = getEnvInt("OBS_CIRCUIT_BREAKER_WINDOW_SEC", o.CircuitBreakerWindowSec)
	o.ContextMaxTokens = getEnvInt("OBS_CONTEXT_MAX_TOKENS", o.ContextMaxTokens)

	b := &s.Substrate
	b.HTTPAddr = getEnvOr("SUBSTRATE_HTTP_ADDR", b.HTTPAddr)
	b.PostgresDSN = getEnvOr("SUBSTRATE_POSTGRES_DSN", b.PostgresDSN)
	b.Neo4jURI = getEnvOr("SUBSTRATE_NEO4J_URI", b.Neo4jURI)
	b.Neo4jUser = getEnvOr("SUBSTRATE_NEO4J_USER", b.Neo4jUser)
	b.Neo4jPassword = getEnvOr("SUBSTRATE_NEO4J_PASSWORD", b.Neo4jPassword)
	b.RedisAddr = getEnvOr("SUBSTRATE_REDIS_ADDR", b.RedisAddr)
	b.KernelDir = getEnvOr("SUBSTRATE_KERNEL_DIR", b.KernelDir)
	b.LedgerDir = getEnvOr("SUBSTRATE_LEDGER_DIR", b.LedgerDir)
	b.KernelHotReload = getEnvBool("SUBSTRATE_KERNEL_HOT_RELOAD", b.KernelHotReload)
	b.PruneIntervalSec = getEnvInt("SUBSTRATE_PRUNE_INTERVAL_SEC", b.PruneIntervalSec)
	b.PruneBatchSize = getEnvInt("SUBSTRATE_PRUNE_BATCH_SIZE", b.PruneBatchSize)
	b.ToolTimeoutSec = getEnvInt("SUBSTRATE_TOOL_TIMEOUT_SEC", b.ToolTimeoutSec)
	b.AuditQueueSize = getEnvInt("SUBSTRATE_AUDIT_QUEUE_SIZE", b.AuditQueueSize)
	b.ResearchMaxRetries = getEnvInt("SUBSTRATE_RESEARCH_MAX_RETRIES", b.ResearchMaxRetries)
	b.ResearchScoreThreshold = getEnvFloat("SUBSTRATE_RESEARCH_SCORE_THRESHOLD", b.ResearchScoreThreshold)
	b.LLMBackend = getEnvOr("SUBSTRATE_LLM_BACKEND", b.LLMBackend)
	b.LogLevel = getEnvOr("SUBSTRATE_LOG_LEVEL", b.LogLevel)
	b.LogDir = getEnvOr("SUBSTRATE_LOG_DIR", b.LogDir)
	b.LogJSON = getEnvBool("SUBSTRATE_LOG_JSON", b.LogJSON)

	return s
}

// Lightweight reports whether the process should run without external
// engines (no Postgres DSN configured).
func (s *Settings) Lightweight() bool {
	return s.Substrate.PostgresDSN == ""
}

// Snapshot flattens the settings into their dot-delimited names, sorted,
// for diagnostics. Secrets are masked.
func (s *Settings) Snapshot() map[string]string {
	m := map[string]string{
		"observability.enabled":                    strconv.FormatBool(s.Observability.Enabled),
		"observability.sampling_rate":              formatFloat(s.Observability.SamplingRate),
		"observability.error_sampling_rate":        formatFloat(s.Observability.ErrorSamplingRate),
		"observability.exporters":                  strings.Join(s.Observability.Exporters, ","),
		"observability.batch_size":                 strconv.Itoa(s.Observability.BatchSize),
		"observability.batch_timeout_sec":          strconv.Itoa(s.Observability.BatchTimeoutSec),
		"observability.file_export_path":           s.Observability.FileExportPath,
		"observability.substrate_enabled":          strconv.FormatBool(s.Observability.SubstrateEnabled),
		"observability.circuit_breaker_threshold":  strconv.Itoa(s.Observability.CircuitBreakerThreshold),
		"observability.circuit_breaker_window_sec": strconv.Itoa(s.Observability.CircuitBreakerWindowSec),
		"observability.context_max_tokens":         strconv.Itoa(s.Observability.ContextMaxTokens),
		"substrate.http_addr":                      s.Substrate.HTTPAddr,
		"substrate.postgres_dsn":                   mask(s.Substrate.PostgresDSN),
		"substrate.neo4j_uri":                      s.Substrate.Neo4jURI,
		"substrate.redis_addr":                     s.Substrate.RedisAddr,
		"substrate.kernel_dir":                     s.Substrate.KernelDir,
		"substrate.ledger_dir":                     s.Substrate.LedgerDir,
		"substrate.kernel_hot_reload":              strconv.FormatBool(s.Substrate.KernelHotReload),
		"substrate.prune_interval_sec":             strconv.Itoa(s.Substrate.PruneIntervalSec),
		"substrate.prune_batch_size":               strconv.Itoa(s.Substrate.PruneBatchSize),
		"substrate.tool_timeout_sec":               strconv.Itoa(s.Substrate.ToolTimeoutSec),
		"substrate.audit_queue_size":               strconv.Itoa(s.Substrate.AuditQueueSize),
		"substrate.research_max_retries":           strconv.Itoa(s.Substrate.ResearchMaxRetries),
		"substrate.research_score_threshold":       formatFloat(s.Substrate.ResearchScoreThreshold),
		"substrate.llm_backend":                    s.Substrate.LLMBackend,
		"substrate.log_level":                      s.Substrate.LogLevel,
	}
	return m
}

// Keys returns the sorted dot-names in Snapshot, for deterministic output.
func (s *Settings) Keys() []string {
	snap := s.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return "(set)"
}

// =============================================================================
// Env helpers
// =============================================================================

func getEnvOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Invalid boolean setting, keeping default", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer setting, keeping default", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Invalid float setting, keeping default", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getEnvList(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
