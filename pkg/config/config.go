// Package config loads replica configuration from YAML files. Values absent
// from the file keep their replica.DefaultConfig defaults.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/replica"
	"gopkg.in/yaml.v3"
)

// Load reads and validates the config file at path.
func Load(path string) (*api.ReplicaConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes data over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*api.ReplicaConfig, error) {
	cfg := replica.DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode yaml")
	}

	if err := replica.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *api.ReplicaConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, errors.Wrap(err, "encode yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode yaml")
	}
	return buf.Bytes(), nil
}
