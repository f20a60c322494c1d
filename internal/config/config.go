// Package config loads pipeline parameters from an ini file, modeled on the
// teacher's server/conf package. It owns only the ambient knobs the core
// pipeline needs (paths, sizing, checksum/verification policy, checkpoint
// and output locations); schema-discovery against the source database and
// the HTTP-driven per-instance config delta are out of this module's scope
// (spec.md section 1) and live behind the internal/control contract.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/redopipe/redopipe/logger"
)

// Cfg is the full set of pipeline parameters for one instance.
type Cfg struct {
	InstanceID string `default:"default" ini:"instance_id"`
	Database   string `default:"" ini:"database"`

	// source
	SourcePath      string `default:"" ini:"source_path"`
	ArchivePath     string `default:"" ini:"archive_path"`
	CopyPath        string `default:"" ini:"copy_path"`
	BlockSize       int    `default:"512" ini:"block_size"`
	DisableChecks   bool   `default:"false" ini:"disable_checks"`
	VerifyDelayMs   int    `default:"0" ini:"verify_delay_ms"`
	ReadSleepMs     int    `default:"100" ini:"read_sleep_ms"`
	StopLogSwitches int    `default:"0" ini:"stop_log_switches"`

	// online log groups: group g's member lives at SourcePath/fmt.Sprintf(OnlineLogPattern, g)
	// for g in [1, OnlineGroupCount]. Multiplexed (multi-member) groups are out of scope.
	OnlineLogPattern string `default:"online_%d.log" ini:"online_log_pattern"`
	OnlineGroupCount int    `default:"0" ini:"online_group_count"`

	// ring buffer / memory pool
	RingBufferChunks int `default:"32" ini:"ring_buffer_chunks"`
	ChunkSizeBytes   int `default:"1048576" ini:"chunk_size_bytes"`
	PoolChunks       int `default:"256" ini:"pool_chunks"`

	// output
	OutputPattern  string `default:"output-%i.json" ini:"output_pattern"`
	OutputFormat   string `default:"json" ini:"output_format"`
	MaxFileSize    int64  `default:"104857600" ini:"max_file_size"`
	NewlineBytes   int    `default:"1" ini:"newline_bytes"`
	FlushThreshold int    `default:"65536" ini:"flush_threshold"`

	// checkpoint
	CheckpointPath string `default:"checkpoint.db" ini:"checkpoint_path"`

	// logging
	LogError string `default:"" ini:"log_error"`
	LogInfos string `default:"" ini:"log_infos"`
	LogLevel string `default:"info" ini:"log_level"`

	SessionTimeout         string `default:"60s" ini:"session_timeout"`
	SessionTimeoutDuration time.Duration

	raw *ini.File
}

// Default returns a Cfg populated with the defaults a bare instance runs
// with when no ini file is supplied.
func Default() *Cfg {
	return &Cfg{
		InstanceID:       "default",
		BlockSize:        512,
		ReadSleepMs:      100,
		RingBufferChunks: 32,
		ChunkSizeBytes:   1 << 20,
		PoolChunks:       256,
		OutputPattern:    "output-%i.json",
		OutputFormat:     "json",
		MaxFileSize:      100 << 20,
		NewlineBytes:     1,
		FlushThreshold:   64 << 10,
		CheckpointPath:   "checkpoint.db",
		OnlineLogPattern: "online_%d.log",
		LogLevel:         "info",
		SessionTimeout:   "60s",
		raw:              ini.Empty(),
	}
}

// Load reads path, falling back to Default() when the file does not exist.
// Unknown keys in the [pipeline] section are preserved on raw for
// round-tripping, matching the checkpoint file's forward-compatibility rule
// (spec.md section 6) even though this is config rather than checkpoint
// state.
func Load(path string) (*Cfg, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debugf("config file %s not found, using defaults", path)
		return cfg, nil
	}

	raw, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.raw = raw

	sec := raw.Section("pipeline")
	cfg.InstanceID = sec.Key("instance_id").MustString(cfg.InstanceID)
	cfg.Database = sec.Key("database").MustString(cfg.Database)
	cfg.SourcePath = sec.Key("source_path").MustString(cfg.SourcePath)
	cfg.ArchivePath = sec.Key("archive_path").MustString(cfg.ArchivePath)
	cfg.CopyPath = sec.Key("copy_path").MustString(cfg.CopyPath)
	cfg.BlockSize = sec.Key("block_size").MustInt(cfg.BlockSize)
	cfg.DisableChecks = sec.Key("disable_checks").MustBool(cfg.DisableChecks)
	cfg.VerifyDelayMs = sec.Key("verify_delay_ms").MustInt(cfg.VerifyDelayMs)
	cfg.ReadSleepMs = sec.Key("read_sleep_ms").MustInt(cfg.ReadSleepMs)
	cfg.StopLogSwitches = sec.Key("stop_log_switches").MustInt(cfg.StopLogSwitches)
	cfg.OnlineLogPattern = sec.Key("online_log_pattern").MustString(cfg.OnlineLogPattern)
	cfg.OnlineGroupCount = sec.Key("online_group_count").MustInt(cfg.OnlineGroupCount)
	cfg.RingBufferChunks = sec.Key("ring_buffer_chunks").MustInt(cfg.RingBufferChunks)
	cfg.ChunkSizeBytes = sec.Key("chunk_size_bytes").MustInt(cfg.ChunkSizeBytes)
	cfg.PoolChunks = sec.Key("pool_chunks").MustInt(cfg.PoolChunks)
	cfg.OutputPattern = sec.Key("output_pattern").MustString(cfg.OutputPattern)
	cfg.OutputFormat = sec.Key("output_format").MustString(cfg.OutputFormat)
	cfg.MaxFileSize = sec.Key("max_file_size").MustInt64(cfg.MaxFileSize)
	cfg.NewlineBytes = sec.Key("newline_bytes").MustInt(cfg.NewlineBytes)
	cfg.FlushThreshold = sec.Key("flush_threshold").MustInt(cfg.FlushThreshold)
	cfg.CheckpointPath = sec.Key("checkpoint_path").MustString(cfg.CheckpointPath)

	logSec := raw.Section("logs")
	cfg.LogError = logSec.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = logSec.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = logSec.Key("log_level").MustString(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants the pipeline can't run without. Called
// at startup (fatal) and again from the control surface's update path
// (non-fatal, per spec.md section 7 — the caller decides whether to apply
// the rejected delta).
func (c *Cfg) Validate() error {
	switch c.BlockSize {
	case 512, 1024, 4096:
	default:
		return fmt.Errorf("config: block_size must be one of 512, 1024, 4096, got %d", c.BlockSize)
	}
	if c.NewlineBytes < 0 || c.NewlineBytes > 2 {
		return fmt.Errorf("config: newline_bytes must be 0, 1, or 2, got %d", c.NewlineBytes)
	}
	if c.RingBufferChunks < 1 {
		return fmt.Errorf("config: ring_buffer_chunks must be >= 1")
	}
	if c.PoolChunks < c.RingBufferChunks {
		return fmt.Errorf("config: pool_chunks (%d) must be >= ring_buffer_chunks (%d)", c.PoolChunks, c.RingBufferChunks)
	}
	var err error
	if c.SessionTimeoutDuration, err = time.ParseDuration(c.SessionTimeout); err != nil {
		return errors.Wrap(err, "config: session_timeout")
	}
	return nil
}

// Merge deep-merges delta's non-zero fields over c and re-validates,
// implementing the control surface's `update` verb (spec.md section 6).
// Per spec.md's open question, "source"/"target"-shaped multi-element
// fields are out of scope here: this pipeline is single-source,
// single-target, so there is nothing to reject — any attempt to merge a
// list-valued delta belongs to the (out-of-scope) HTTP layer, which must
// reject it before it ever reaches Merge.
func (c *Cfg) Merge(delta *Cfg) error {
	merged := *c
	if delta.SourcePath != "" {
		merged.SourcePath = delta.SourcePath
	}
	if delta.ArchivePath != "" {
		merged.ArchivePath = delta.ArchivePath
	}
	if delta.CopyPath != "" {
		merged.CopyPath = delta.CopyPath
	}
	if delta.DisableChecks {
		merged.DisableChecks = delta.DisableChecks
	}
	if delta.VerifyDelayMs != 0 {
		merged.VerifyDelayMs = delta.VerifyDelayMs
	}
	if delta.ReadSleepMs != 0 {
		merged.ReadSleepMs = delta.ReadSleepMs
	}
	if delta.StopLogSwitches != 0 {
		merged.StopLogSwitches = delta.StopLogSwitches
	}
	if delta.LogLevel != "" {
		merged.LogLevel = delta.LogLevel
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	*c = merged
	return nil
}
