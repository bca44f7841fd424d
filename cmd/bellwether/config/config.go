// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Bellwether server configuration from YAML.
package config

import "time"

// BellwetherConfig is the full server configuration.
type BellwetherConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// StorageConfig holds the badger database settings.
type StorageConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// EngineConfig holds the statistical engine's tuning.
type EngineConfig struct {
	// Alpha is the base significance threshold before Bonferroni
	// correction.
	Alpha float64 `yaml:"alpha"`

	// BanditSeed seeds the Thompson sampler for reproducible allocation
	// sequences. Zero seeds from the wall clock at startup.
	BanditSeed int64 `yaml:"bandit_seed"`
}

// SchedulerConfig holds the background cycle cadences.
type SchedulerConfig struct {
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	AllocationInterval time.Duration `yaml:"allocation_interval"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
}

// TelemetryConfig holds the OTLP trace exporter settings.
type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing
	// export.
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig holds the structured logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
	// File is an optional log destination alongside stdout.
	File string `yaml:"file"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() BellwetherConfig {
	return BellwetherConfig{
		Server: ServerConfig{
			Port: "12230",
		},
		Storage: StorageConfig{
			Path:       "/var/lib/bellwether/badger",
			SyncWrites: true,
		},
		Engine: EngineConfig{
			Alpha: 0.05,
		},
		Scheduler: SchedulerConfig{
			EvaluationInterval: 1 * time.Hour,
			AllocationInterval: 10 * time.Minute,
			MaxConcurrent:      8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
