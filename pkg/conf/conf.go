// Package conf reads and validates the demo harness configuration.
package conf

import (
	"io"
	"path/filepath"

	"github.com/burntsushi/toml"
	"github.com/pkg/errors"
)

// Main is the main harness config.
type Main struct {
	// Endpoint receiving the document envelopes. Mandatory.
	Endpoint string

	// Rate limit enforced by the client: at most LimiterRequestLimit
	// submissions per trailing LimiterWindowMs.
	LimiterWindowMs     uint32
	LimiterRequestLimit int

	// Number of concurrent submitter goroutines and documents per submitter.
	Submitters       uint16
	DocsPerSubmitter int

	// Offered load cap across all submitters. 0 means submit as fast as the
	// client admits.
	OfferedRatePerSec int

	SendTimeoutSec uint32

	// -1 turns off pprof server
	PprofPort int
	PromPort  int

	PidFilePath string

	LogLimitInitial    int
	LogLimitThereafter int
	LogLimitWindowSec  int
}

// ReadMain reads the main config.
func ReadMain(r io.Reader) (Main, error) {
	cfg := MakeDefault()

	_, err := toml.DecodeReader(r, &cfg)
	if err != nil {
		return cfg, errors.Wrap(err, "parsing error")
	}
	if cfg.Endpoint == "" {
		return cfg, errors.New("missing mandatory Endpoint setting")
	}
	if cfg.LimiterRequestLimit <= 0 {
		return cfg, errors.New("LimiterRequestLimit must be positive")
	}
	if cfg.LimiterWindowMs == 0 {
		return cfg, errors.New("LimiterWindowMs must be positive")
	}
	if cfg.Submitters == 0 {
		return cfg, errors.New("Submitters must be positive")
	}
	if cfg.DocsPerSubmitter <= 0 {
		return cfg, errors.New("DocsPerSubmitter must be positive")
	}
	if cfg.PprofPort != -1 && cfg.PprofPort == cfg.PromPort {
		return cfg, errors.New("PromPort and PprofPort can't have the same value")
	}
	if cfg.PidFilePath != "" {
		if !filepath.IsAbs(cfg.PidFilePath) {
			return cfg, errors.New("pidfile path is not valid or not an absolute path")
		}
	}

	return cfg, nil
}

// MakeDefault creates configuration with default values.
func MakeDefault() Main {
	return Main{
		Endpoint: "",

		LimiterWindowMs:     1000,
		LimiterRequestLimit: 3,

		Submitters:       2,
		DocsPerSubmitter: 3,

		OfferedRatePerSec: 0,

		SendTimeoutSec: 5,

		PprofPort: -1,
		PromPort:  9090,

		PidFilePath: "",

		LogLimitInitial:    10,
		LogLimitThereafter: 1000,
		LogLimitWindowSec:  1,
	}
}
