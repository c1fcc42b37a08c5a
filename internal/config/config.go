// Package config loads the YAML configuration surface: a global
// timezone, a list of sources (each with its own snapshot directory and
// one or more upload targets), and a list of remotes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// S3Endpoint carries the optional per-remote connection overrides.
type S3Endpoint struct {
	ProfileName   string `yaml:"profile_name,omitempty"`
	RegionName    string `yaml:"region_name,omitempty"`
	AccessKeyID   string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	EndpointURL   string `yaml:"endpoint_url,omitempty"`
	Verify        *bool  `yaml:"verify,omitempty"`
}

// S3Target names the bucket a Remote ships objects to.
type S3Target struct {
	Bucket   string     `yaml:"bucket"`
	Endpoint S3Endpoint `yaml:"endpoint,omitempty"`
}

// Remote is one named upload destination: a per-remote `id` and `s3.bucket`.
type Remote struct {
	ID string   `yaml:"id"`
	S3 S3Target `yaml:"s3"`
}

// Upload is one of a source's upload_to_remotes[] entries.
type Upload struct {
	ID          string     `yaml:"id"` // references a Remote.ID
	Preserve    string     `yaml:"preserve"` // policy string
	PipeThrough [][]string `yaml:"pipe_through,omitempty"`
}

// Source is one configured snapshot source.
type Source struct {
	Path            string   `yaml:"path"`
	Snapshots       string   `yaml:"snapshots"`
	UploadToRemotes []Upload `yaml:"upload_to_remotes"`
}

// Config is the whole recognized configuration surface.
type Config struct {
	Timezone string   `yaml:"timezone"`
	Sources  []Source `yaml:"sources"`
	Remotes  []Remote `yaml:"remotes"`
}

// Load reads and parses the YAML file at path, then validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: opening %s", path)
	}
	defer f.Close()

	b, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return nil, model.NewConfigError("parsing %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location parses Timezone, which Validate has already confirmed loads
// cleanly.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Validate checks the recognized-option constraints: a required
// timezone, unique remote ids, every upload referencing a known remote,
// and a parseable preserve policy per upload.
func (c *Config) Validate() error {
	if c.Timezone == "" {
		return model.NewConfigError("timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return model.NewConfigError("unknown timezone %q: %v", c.Timezone, err)
	}

	remoteByID := make(map[string]bool, len(c.Remotes))
	for _, r := range c.Remotes {
		if r.ID == "" {
			return model.NewConfigError("remote with empty id")
		}
		if remoteByID[r.ID] {
			return model.NewConfigError("duplicate remote id %q", r.ID)
		}
		remoteByID[r.ID] = true
		if r.S3.Bucket == "" {
			return model.NewConfigError("remote %q: s3.bucket is required", r.ID)
		}
	}

	if len(c.Sources) == 0 {
		return model.NewConfigError("at least one source is required")
	}
	for _, s := range c.Sources {
		if s.Path == "" {
			return model.NewConfigError("source with empty path")
		}
		if s.Snapshots == "" {
			return model.NewConfigError("source %q: snapshots directory is required", s.Path)
		}
		if len(s.UploadToRemotes) == 0 {
			return model.NewConfigError("source %q: upload_to_remotes must not be empty", s.Path)
		}
		for _, u := range s.UploadToRemotes {
			if !remoteByID[u.ID] {
				return model.NewConfigError("source %q: upload_to_remotes references unknown remote id %q", s.Path, u.ID)
			}
			if _, err := model.ParsePolicy(u.Preserve); err != nil {
				return model.NewConfigError("source %q, remote %q: invalid preserve policy %q: %v", s.Path, u.ID, u.Preserve, err)
			}
		}
	}
	return nil
}
