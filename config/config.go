// Package config holds DecentDB's runtime options: page/cache sizing,
// durability mode, checkpoint thresholds, and reader lifetime policy.
// Options is a plain struct loadable from a YAML file for operator-driven
// deployments, or built in code via functional options for embedders —
// novusdb (Felmond13/novusdb) hardcodes these as constants; DecentDB
// follows cuemby/warren's YAML-via-yaml.v3 pattern instead.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sphildreth/decentdb/dberr"
)

// Durability selects how aggressively commits are forced to stable
// storage.
type Durability string

const (
	// DurabilityFull fsyncs on every commit.
	DurabilityFull Durability = "full"
	// DurabilityNormal syncs the WAL on every commit, the same as
	// DurabilityFull: the File contract has a single Sync, so there is no
	// lighter fdatasync-style sync for this mode to use.
	DurabilityNormal Durability = "normal"
	// DurabilityRelaxed batches syncs every N commits or M ms.
	DurabilityRelaxed Durability = "relaxed"
	// DurabilityNone never syncs; for tests only.
	DurabilityNone Durability = "none"
)

// Options configures a single DecentDB database.
type Options struct {
	PageSize       int        `yaml:"page_size"`
	CachePages     int        `yaml:"cache_pages"`
	CacheShards    int        `yaml:"cache_shards"`
	Durability     Durability `yaml:"durability"`
	RelaxedEveryN  int        `yaml:"relaxed_sync_every_commits"`
	RelaxedEveryMs int        `yaml:"relaxed_sync_every_ms"`

	CheckpointEveryBytes int64 `yaml:"checkpoint_every_bytes"`
	CheckpointEveryMs    int64 `yaml:"checkpoint_every_ms"`
	MaxIndexMemoryBytes  int64 `yaml:"max_index_memory_bytes"`

	ReaderWarnMs    int64 `yaml:"reader_warn_ms"`
	ReaderTimeoutMs int64 `yaml:"reader_timeout_ms"`
}

// Default returns the conservative defaults used when the caller supplies
// neither a file nor overrides.
func Default() Options {
	return Options{
		PageSize:             4096,
		CachePages:           4096,
		CacheShards:          16,
		Durability:           DurabilityFull,
		RelaxedEveryN:        32,
		RelaxedEveryMs:       100,
		CheckpointEveryBytes: 64 << 20,
		CheckpointEveryMs:    5000,
		MaxIndexMemoryBytes:  256 << 20,
		ReaderWarnMs:         2000,
		ReaderTimeoutMs:      30000,
	}
}

// Option overrides a field of Options in code, for embedders that don't
// want a YAML file on disk.
type Option func(*Options)

// WithPageSize overrides the page size. Only meaningful at database
// creation: an existing database's header is read at this page size, so
// a value other than the one it was created with makes opening it fail.
func WithPageSize(n int) Option { return func(o *Options) { o.PageSize = n } }

// WithCache overrides cache sizing.
func WithCache(pages, shards int) Option {
	return func(o *Options) { o.CachePages = pages; o.CacheShards = shards }
}

// WithDurability overrides the durability mode.
func WithDurability(d Durability) Option { return func(o *Options) { o.Durability = d } }

// WithCheckpointThresholds overrides the checkpoint trigger thresholds.
func WithCheckpointThresholds(everyBytes, everyMs int64) Option {
	return func(o *Options) { o.CheckpointEveryBytes = everyBytes; o.CheckpointEveryMs = everyMs }
}

// WithMaxIndexMemory overrides the estimated index+dirty-set memory cap
// that also triggers a checkpoint.
func WithMaxIndexMemory(n int64) Option { return func(o *Options) { o.MaxIndexMemoryBytes = n } }

// WithReaderLifetime overrides the reader warn/timeout thresholds.
func WithReaderLifetime(warnMs, timeoutMs int64) Option {
	return func(o *Options) { o.ReaderWarnMs = warnMs; o.ReaderTimeoutMs = timeoutMs }
}

// Load reads a YAML config file, starting from Default() and overlaying
// only the fields present in the file, then applies any functional
// overrides on top.
func Load(path string, overrides ...Option) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, dberr.Wrap(dberr.KindIO, "read config file", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, dberr.Wrap(dberr.KindInvalid, "parse config file", path, err)
	}
	for _, o := range overrides {
		o(&opts)
	}
	return opts, opts.Validate()
}

// New builds Options from Default() plus functional overrides, with no
// file involved.
func New(overrides ...Option) (Options, error) {
	opts := Default()
	for _, o := range overrides {
		o(&opts)
	}
	return opts, opts.Validate()
}

// Validate rejects option combinations the storage core cannot honor.
func (o Options) Validate() error {
	if o.PageSize <= 0 || o.PageSize&(o.PageSize-1) != 0 {
		return dberr.New(dberr.KindInvalid, "page_size must be a power of two")
	}
	if o.CacheShards <= 0 || o.CacheShards&(o.CacheShards-1) != 0 {
		return dberr.New(dberr.KindInvalid, "cache_shards must be a power of two")
	}
	switch o.Durability {
	case DurabilityFull, DurabilityNormal, DurabilityRelaxed, DurabilityNone:
	default:
		return dberr.New(dberr.KindInvalid, "durability must be one of full, normal, relaxed, none")
	}
	return nil
}

// ReaderWarnDuration converts ReaderWarnMs to a time.Duration for wal.Options.
func (o Options) ReaderWarnDuration() time.Duration {
	return time.Duration(o.ReaderWarnMs) * time.Millisecond
}

// ReaderTimeoutDuration converts ReaderTimeoutMs to a time.Duration for
// wal.Options.
func (o Options) ReaderTimeoutDuration() time.Duration {
	return time.Duration(o.ReaderTimeoutMs) * time.Millisecond
}
