/*
Copyright 2025 The Taskline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the orchestrator configuration.
// Every knob has a workable default so an empty file boots a development
// instance against localhost Postgres and a local blob directory.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration tree.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	TempUploads TempUploadConfig  `yaml:"tempUploads"`
	DLQ         DLQConfig         `yaml:"dlq"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"maxOpenConns" validate:"gte=1"`
	MaxIdleConns    int           `yaml:"maxIdleConns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
	Migrate         bool          `yaml:"migrate"`
}

// RedisConfig is optional; when Addr is empty no Redis client is created and
// the caches that would use it fall back to database reads.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type ObjectStoreConfig struct {
	Provider  string `yaml:"provider" validate:"oneof=local s3 memory"`
	LocalRoot string `yaml:"localRoot"`
	S3Bucket  string `yaml:"s3Bucket"`
	S3Prefix  string `yaml:"s3Prefix"`
	BackendID string `yaml:"backendId"`
}

type SchedulerConfig struct {
	PollInterval     time.Duration `yaml:"pollInterval"`
	MaxConcurrency   int           `yaml:"maxConcurrency" validate:"gte=1"`
	TimeoutInterval  time.Duration `yaml:"timeoutInterval"`
	MaintenanceCheck time.Duration `yaml:"maintenanceCheck"`
	DispatchTimeout  time.Duration `yaml:"dispatchTimeout"`
	TokenTTL         time.Duration `yaml:"tokenTTL"`
}

type TempUploadConfig struct {
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	DefaultTTL      time.Duration `yaml:"defaultTTL"`
	ArchiveAfter    time.Duration `yaml:"archiveAfter"`
	BatchSize       int           `yaml:"batchSize" validate:"gte=1"`
}

type DLQConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8090,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			DrainTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "host=localhost port=5432 dbname=taskline user=taskline sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Migrate:         true,
		},
		ObjectStore: ObjectStoreConfig{
			Provider:  "local",
			LocalRoot: "./data/blobs",
			BackendID: "default",
		},
		Scheduler: SchedulerConfig{
			PollInterval:     1 * time.Second,
			MaxConcurrency:   20,
			TimeoutInterval:  5 * time.Second,
			MaintenanceCheck: 5 * time.Second,
			DispatchTimeout:  5 * time.Second,
			TokenTTL:         1 * time.Hour,
		},
		TempUploads: TempUploadConfig{
			CleanupInterval: 1 * time.Hour,
			DefaultTTL:      24 * time.Hour,
			ArchiveAfter:    7 * 24 * time.Hour,
			BatchSize:       100,
		},
		DLQ: DLQConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads path (when non-empty) over the defaults and validates the
// result. Environment overrides TASKLINE_DB_DSN and TASKLINE_REDIS_ADDR win
// over both, which is how deployments inject credentials.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if dsn := os.Getenv("TASKLINE_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("TASKLINE_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("TASKLINE_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
