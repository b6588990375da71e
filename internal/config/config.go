// Package config builds the process-wide configuration value S described in
// the engine's design notes: a small, immutable struct of base URLs and API
// keys read from the environment once per invocation and then threaded
// explicitly through every collaborator. Nothing here is a global — callers
// hold the *Config they were given.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the environment-derived configuration for one engine invocation.
type Config struct {
	// InternalAPIBaseURL is DATA_ENGINE_API_URL, the base of the internal
	// persistence API (pipeline-runs, step-results, entity-state, timeline).
	InternalAPIBaseURL string `validate:"required,url"`
	// InternalAPIKey is DATA_ENGINE_INTERNAL_API_KEY, sent as a bearer token
	// on every internal API call.
	InternalAPIKey string `validate:"required"`
	// ParallelAPIKey is PARALLEL_API_KEY. It may be empty: the deep-research
	// pollers degrade to a failed envelope with a skipped provider attempt
	// when it is absent, per spec §6.
	ParallelAPIKey string

	// OperationsServiceBaseURL is the execute-v1 operations service base
	// URL. Defaults to InternalAPIBaseURL when unset, matching the
	// common deployment where both live behind the same ingress.
	OperationsServiceBaseURL string `validate:"required,url"`

	// HTTPTimeout bounds every individual internal/operations HTTP call.
	HTTPTimeout time.Duration
	// PollInterval is the default wait between deep-research poll attempts.
	PollInterval time.Duration
	// BreakerFailureThreshold is consecutive-failure count before a
	// collaborator's circuit breaker opens.
	BreakerFailureThreshold uint32
}

var validate = validator.New()

// Env variable names, exported so other packages can refer to them in log
// and error messages without repeating string literals.
const (
	EnvInternalAPIURL  = "DATA_ENGINE_API_URL"
	EnvInternalAPIKey  = "DATA_ENGINE_INTERNAL_API_KEY"
	EnvParallelAPIKey  = "PARALLEL_API_KEY"
	EnvOperationsURL   = "DATA_ENGINE_OPERATIONS_URL"
	EnvHTTPTimeout     = "DATA_ENGINE_HTTP_TIMEOUT"
	EnvPollInterval    = "DATA_ENGINE_POLL_INTERVAL_SECONDS"
	EnvBreakerMaxFails = "DATA_ENGINE_BREAKER_MAX_FAILS"
)

// Load builds a Config from the process environment. A missing
// InternalAPIBaseURL or InternalAPIKey is a fatal configuration error raised
// before any pipeline-run state transition is attempted, per spec §6/§7.
func Load() (*Config, error) {
	cfg := &Config{
		InternalAPIBaseURL:       os.Getenv(EnvInternalAPIURL),
		InternalAPIKey:           os.Getenv(EnvInternalAPIKey),
		ParallelAPIKey:           os.Getenv(EnvParallelAPIKey),
		OperationsServiceBaseURL: os.Getenv(EnvOperationsURL),
		HTTPTimeout:              30 * time.Second,
		PollInterval:             20 * time.Second,
		BreakerFailureThreshold:  5,
	}
	if cfg.OperationsServiceBaseURL == "" {
		cfg.OperationsServiceBaseURL = cfg.InternalAPIBaseURL
	}
	if v := os.Getenv(EnvHTTPTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.HTTPTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(EnvPollInterval); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cfg.PollInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(EnvBreakerMaxFails); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BreakerFailureThreshold = uint32(n)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
