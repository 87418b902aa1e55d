// Package config loads recorder defaults from a YAML document. The
// configuration is instance-scoped: callers load it and pass values
// down explicitly, because archive instances must not depend on
// process-wide state.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/psiarc/pkg/psiarc"
	"github.com/entrhq/psiarc/pkg/psiarc/compress"
)

// Recorder holds operator-tunable defaults for archive recording and
// reading.
type Recorder struct {
	// KeyframeInterval is the frame count between absolute-value
	// keyframes for new sessions.
	KeyframeInterval int `yaml:"keyframe_interval"`

	// Codec names the compression strategy for new archives: "none",
	// "s2" or "flate".
	Codec string `yaml:"codec"`

	// LogDir overrides the diagnostic log directory; empty means the
	// default (~/.psiarc/logs).
	LogDir string `yaml:"log_dir"`

	// Recovery selects the default read-side degradation policy.
	Recovery Recovery `yaml:"recovery"`
}

// Recovery mirrors the archive-open and session-read recovery flags.
type Recovery struct {
	RecoveryMode                bool `yaml:"recovery_mode"`
	AttemptHeaderReconstruction bool `yaml:"attempt_header_reconstruction"`
	SkipCorruptedFrames         bool `yaml:"skip_corrupted_frames"`
	RepairCRCErrors             bool `yaml:"repair_crc_errors"`
}

// Default returns the recorder defaults used when no file is present.
func Default() Recorder {
	return Recorder{
		KeyframeInterval: psiarc.DefaultKeyframeInterval,
		Codec:            compress.S2{}.Name(),
	}
}

// Load reads a YAML recorder configuration, applying file values over
// Default. A missing file yields the defaults without error.
func Load(path string) (Recorder, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Recorder{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Recorder{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Recorder{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (r Recorder) Save(path string) error {
	raw, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and codec resolvability.
func (r Recorder) Validate() error {
	if r.KeyframeInterval < 1 {
		return fmt.Errorf("config: keyframe_interval must be positive, got %d", r.KeyframeInterval)
	}
	if _, err := compress.ByName(r.Codec); err != nil {
		return err
	}
	return nil
}

// WriterOptions translates the configuration into archive writer
// options. Codec resolvability is guaranteed by Validate.
func (r Recorder) WriterOptions() ([]psiarc.WriterOption, error) {
	codec, err := compress.ByName(r.Codec)
	if err != nil {
		return nil, err
	}
	return []psiarc.WriterOption{
		psiarc.WithCodec(codec),
		psiarc.WithKeyframeInterval(r.KeyframeInterval),
	}, nil
}

// OpenOptions translates the recovery defaults into archive open
// options.
func (r Recorder) OpenOptions() []psiarc.OpenOption {
	var opts []psiarc.OpenOption
	if r.Recovery.RecoveryMode {
		opts = append(opts, psiarc.WithRecoveryMode())
	}
	if r.Recovery.AttemptHeaderReconstruction {
		opts = append(opts, psiarc.WithHeaderReconstruction())
	}
	return opts
}

// SessionOptions translates the recovery defaults into session read
// options.
func (r Recorder) SessionOptions() psiarc.SessionOptions {
	return psiarc.SessionOptions{
		SkipCorruptedFrames: r.Recovery.SkipCorruptedFrames,
		RepairCRCErrors:     r.Recovery.RepairCRCErrors,
	}
}
