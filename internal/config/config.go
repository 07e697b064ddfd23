// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the daemon's explicit runtime parameters. There is
// no package-level global: a Config is built once at startup and passed
// down to every component by constructor injection.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okets/folder-mcp/internal/osutil"
)

// Config collects every runtime parameter the core consumes (spec §6.4).
// Durations are stored as milliseconds/seconds in the YAML surface to keep
// the on-disk format plain integers, and exposed as time.Duration to
// callers via the accessor methods below.
type Config struct {
	StateDirName string `yaml:"stateDirName" default:"folder-mcp"`

	FileChange FileChangeOptions `yaml:"fileChange"`
	Worker     WorkerOptions     `yaml:"worker"`
	Scheduler  SchedulerOptions  `yaml:"scheduler"`
	Metrics    MetricsOptions    `yaml:"metrics"`
	Embedder   EmbedderOptions   `yaml:"embedder"`
}

// EmbedderOptions configures C5's subprocess pool. Args is a single
// space-separated string rather than a YAML list because setDefaults'
// reflection pass only fills scalar fields; ArgsList splits it for
// embedder.ExecSpawner.
type EmbedderOptions struct {
	WorkerCount int    `yaml:"workerCount" default:"1"`
	Command     string `yaml:"command" default:"folder-mcp-embedder"`
	Args        string `yaml:"args" default:""`
}

func (o EmbedderOptions) ArgsList() []string {
	if o.Args == "" {
		return nil
	}
	return strings.Fields(o.Args)
}

type FileChangeOptions struct {
	DebounceMs int `yaml:"debounceMs" default:"1000"`
}

type WorkerOptions struct {
	KeepAliveSeconds           int  `yaml:"keepAliveSeconds" default:"180"`
	AgentActiveSeconds         int  `yaml:"agentActiveSeconds" default:"180"`
	ShutdownGracePeriodSeconds int  `yaml:"shutdownGracePeriodSeconds" default:"30"`
	AutoRestart                bool `yaml:"autoRestart" default:"true"`
	MaxRestartAttempts         int  `yaml:"maxRestartAttempts" default:"3"`
	RestartDelayMs             int  `yaml:"restartDelayMs" default:"1000"`
	HealthProbeIntervalMs      int  `yaml:"healthProbeIntervalMs" default:"30000"`
	HealthProbeTimeoutMs       int  `yaml:"healthProbeTimeoutMs" default:"5000"`
}

type SchedulerOptions struct {
	MaxConcurrentTasks int `yaml:"maxConcurrentTasks" default:"4"`
}

type MetricsOptions struct {
	ListenAddress string `yaml:"listenAddress" default:"127.0.0.1:8384"`
}

func (o FileChangeOptions) Debounce() time.Duration {
	return time.Duration(o.DebounceMs) * time.Millisecond
}

func (o WorkerOptions) KeepAlive() time.Duration {
	return time.Duration(o.KeepAliveSeconds) * time.Second
}

func (o WorkerOptions) AgentActive() time.Duration {
	return time.Duration(o.AgentActiveSeconds) * time.Second
}

func (o WorkerOptions) ShutdownGracePeriod() time.Duration {
	return time.Duration(o.ShutdownGracePeriodSeconds) * time.Second
}

func (o WorkerOptions) RestartDelay() time.Duration {
	return time.Duration(o.RestartDelayMs) * time.Millisecond
}

func (o WorkerOptions) HealthProbeInterval() time.Duration {
	return time.Duration(o.HealthProbeIntervalMs) * time.Millisecond
}

func (o WorkerOptions) HealthProbeTimeout() time.Duration {
	return time.Duration(o.HealthProbeTimeoutMs) * time.Millisecond
}

// New returns a Config with every `default` tag applied, as if loaded from
// an empty file.
func New() Config {
	var cfg Config
	if err := setDefaults(&cfg); err != nil {
		// Defaults are static and checked by TestDefaults; a failure here
		// is a programming error, not a runtime condition.
		panic(err)
	}
	return cfg
}

// ReadYAML loads a Config from r, applying defaults first so that a
// partial file only overrides the fields it mentions.
func ReadYAML(r io.Reader) (Config, error) {
	cfg := New()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// Load reads a Config from the YAML file at path, or returns defaults if
// the file does not exist.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	defer f.Close()
	return ReadYAML(f)
}

// Save writes cfg as YAML to path, using an osutil.AtomicWriter so a
// crash or concurrent read during the write never observes a partial
// file — the same commit discipline the teacher's config package applies
// to its own on-disk config.xml.
func Save(path string, cfg Config) error {
	w, err := osutil.CreateAtomic(path, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return w.Close()
}

// setDefaults applies `default` struct tags recursively to zero-valued
// fields, mirroring the teacher's config default-filling pass.
func setDefaults(data any) error {
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("setDefaults: %T is not a pointer", data)
	}
	s := v.Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.Struct {
			if err := setDefaults(f.Addr().Interface()); err != nil {
				return err
			}
			continue
		}

		tag := t.Field(i).Tag.Get("default")
		if tag == "" {
			continue
		}

		switch f.Kind() {
		case reflect.String:
			if f.String() == "" {
				f.SetString(tag)
			}
		case reflect.Int, reflect.Int64:
			if f.Int() == 0 {
				n, err := strconv.ParseInt(tag, 10, 64)
				if err != nil {
					return fmt.Errorf("default tag %q on %s: %w", tag, t.Field(i).Name, err)
				}
				f.SetInt(n)
			}
		case reflect.Bool:
			// Bool zero value (false) is indistinguishable from "not set",
			// so a `default:"true"` tag always wins unless the field was
			// already true.
			if tag == "true" {
				f.SetBool(true)
			}
		default:
			return fmt.Errorf("default tag on unsupported field kind %s", f.Kind())
		}
	}
	return nil
}
