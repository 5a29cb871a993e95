package main

import (
	"encoding/json"
	"os"

	"github.com/a8m/envsubst"
	"github.com/edaniels/golog"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/mapanchor/relocalize/relocalizer"
	"github.com/mapanchor/relocalize/scansource"
)

// subConfig is a pluggable component choice: a type name plus free-form
// attributes decoded by that type.
type subConfig struct {
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes"`
}

// daemonConfig is the JSON config file layout. The relocalizer tuning keys
// live at the top level alongside the daemon's own.
type daemonConfig struct {
	relocalizer.Config
	PriorMap   string    `json:"prior_map"`
	ScanSource subConfig `json:"scan_source"`
	Broadcast  subConfig `json:"broadcast"`
	LogFile    string    `json:"log_file"`
}

// Validate applies defaults and rejects configs the daemon cannot serve.
func (c *daemonConfig) Validate() error {
	if c.PriorMap == "" {
		return errors.New("prior_map is required")
	}
	switch c.ScanSource.Type {
	case "", "dir":
	default:
		return errors.Errorf("unknown scan source type %q", c.ScanSource.Type)
	}
	switch c.Broadcast.Type {
	case "", "ndjson":
	default:
		return errors.Errorf("unknown broadcast type %q", c.Broadcast.Type)
	}
	return c.Config.Validate()
}

// readConfig loads a config file, expanding ${ENV} references before
// parsing.
func readConfig(path string) (*daemonConfig, error) {
	raw, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	var cfg daemonConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return &cfg, nil
}

func decodeAttributes(attrs map[string]interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: result})
	if err != nil {
		return err
	}
	return decoder.Decode(attrs)
}

func buildScanSource(cfg subConfig, logger golog.Logger) (*scansource.Dir, error) {
	switch cfg.Type {
	case "", "dir":
		var attrs scansource.DirConfig
		if err := decodeAttributes(cfg.Attributes, &attrs); err != nil {
			return nil, errors.Wrap(err, "scan source attributes")
		}
		return scansource.NewDir(attrs, logger)
	default:
		return nil, errors.Errorf("unknown scan source type %q", cfg.Type)
	}
}

// buildBroadcaster returns the transform sink and a closer for whatever
// stream backs it. Path "-" (or none) means stdout.
func buildBroadcaster(cfg subConfig) (relocalizer.TransformBroadcaster, func() error, error) {
	switch cfg.Type {
	case "", "ndjson":
		var attrs struct {
			Path string `json:"path"`
		}
		if err := decodeAttributes(cfg.Attributes, &attrs); err != nil {
			return nil, nil, errors.Wrap(err, "broadcast attributes")
		}
		if attrs.Path == "" || attrs.Path == "-" {
			return relocalizer.NewNDJSONBroadcaster(os.Stdout), func() error { return nil }, nil
		}
		//nolint:gosec
		f, err := os.OpenFile(attrs.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening broadcast output")
		}
		return relocalizer.NewNDJSONBroadcaster(f), f.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown broadcast type %q", cfg.Type)
	}
}
