// Package config loads and saves engine options as YAML: a tagged
// struct decoded with yaml.Unmarshal, os.ReadFile/os.WriteFile at the
// boundary.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// minJournalingSize is the floor below which Options.Validate refuses
// to open a database: the journaling budget must leave room for at
// least one full shard.
const minJournalingSize = 24 << 20

// Options configures a single Tree (or the default partition of a
// Keyspace). Zero-value fields are filled in by Defaults/Validate.
type Options struct {
	Path string `yaml:"path"`

	BlockCacheBytes            int64 `yaml:"block_cache_bytes"`
	MaxWriteBufferSizeInBytes  int64 `yaml:"max_write_buffer_size_in_bytes"`
	MaxJournalingSizeInBytes   int64 `yaml:"max_journaling_size_in_bytes"`
	FsyncMs                    int   `yaml:"fsync_ms"` // 0 is replaced by the 1000 ms default; periodic fsync cannot be turned off
	FlushThreads               int   `yaml:"flush_threads"`
	CompactionThreads          int   `yaml:"compaction_threads"`
	BlockSize                  int   `yaml:"block_size"`
	Compress                   bool  `yaml:"compress"`
	UseMmap                    bool  `yaml:"use_mmap"`
	Level0FileLimit            int   `yaml:"level0_file_limit"`
	LevelSizeRatio             float64 `yaml:"level_size_ratio"`
	MaxLevels                  int   `yaml:"max_levels"`
}

// KeyspaceOptions configures a shared Keyspace: a journal and block
// cache shared across named partitions, each opened with its own
// per-partition overrides layered on top of Defaults.
type KeyspaceOptions struct {
	Path string `yaml:"path"`

	BlockCacheBytes          int64 `yaml:"block_cache_bytes"`
	MaxJournalingSizeInBytes int64 `yaml:"max_journaling_size_in_bytes"`
	FsyncMs                  int   `yaml:"fsync_ms"`

	Partitions map[string]Options `yaml:"partitions"`
}

// Defaults returns the default Options: 16 MiB block cache,
// 64 MiB write buffer, 128 MiB journaling cap, 1s fsync interval, 4
// flush/compaction threads, 4 KiB blocks, snappy compression on, and a
// 4-file/10x leveled-compaction strategy matching
// compaction.DefaultLeveledStrategy.
func Defaults() Options {
	return Options{
		BlockCacheBytes:           16 << 20,
		MaxWriteBufferSizeInBytes: 64 << 20,
		MaxJournalingSizeInBytes:  128 << 20,
		FsyncMs:                   1000,
		FlushThreads:              4,
		CompactionThreads:         4,
		BlockSize:                 4096,
		Compress:                  true,
		Level0FileLimit:           4,
		LevelSizeRatio:            10.0,
		MaxLevels:                 7,
	}
}

// Validate rejects configurations that are fatal at open time (a
// configuration error, not an I/O error).
func (o *Options) Validate() error {
	if o.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if o.MaxJournalingSizeInBytes != 0 && o.MaxJournalingSizeInBytes < minJournalingSize {
		return fmt.Errorf("config: max_journaling_size_in_bytes must be >= %d bytes, got %d", minJournalingSize, o.MaxJournalingSizeInBytes)
	}
	if o.FsyncMs < 0 {
		return fmt.Errorf("config: fsync_ms must be >= 0, got %d", o.FsyncMs)
	}
	return nil
}

// applyDefaults fills any zero-valued field with the default. Called
// after YAML decoding so a partial config file only overrides what it
// specifies.
func (o *Options) applyDefaults() {
	d := Defaults()
	if o.BlockCacheBytes == 0 {
		o.BlockCacheBytes = d.BlockCacheBytes
	}
	if o.MaxWriteBufferSizeInBytes == 0 {
		o.MaxWriteBufferSizeInBytes = d.MaxWriteBufferSizeInBytes
	}
	if o.MaxJournalingSizeInBytes == 0 {
		o.MaxJournalingSizeInBytes = d.MaxJournalingSizeInBytes
	}
	if o.FsyncMs == 0 {
		o.FsyncMs = d.FsyncMs
	}
	if o.FlushThreads == 0 {
		o.FlushThreads = d.FlushThreads
	}
	if o.CompactionThreads == 0 {
		o.CompactionThreads = d.CompactionThreads
	}
	if o.BlockSize == 0 {
		o.BlockSize = d.BlockSize
	}
	if o.Level0FileLimit == 0 {
		o.Level0FileLimit = d.Level0FileLimit
	}
	if o.LevelSizeRatio == 0 {
		o.LevelSizeRatio = d.LevelSizeRatio
	}
	if o.MaxLevels == 0 {
		o.MaxLevels = d.MaxLevels
	}
}

// EnsureDefaults applies Defaults to any zero-valued field and validates
// the result. Exported so callers that build Options programmatically
// (rather than via Load) get the same normalization.
func (o *Options) EnsureDefaults() error {
	o.applyDefaults()
	return o.Validate()
}

// Load reads and parses a YAML options file, applying Defaults to any
// field the file leaves unset and then validating the result.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Save writes opts to path as YAML, creating or truncating the file.
func (o *Options) Save(path string) error {
	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("config: marshal options: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// LoadKeyspace reads and parses a multi-partition YAML options file,
// applying per-partition defaults the same way Load does.
func LoadKeyspace(path string) (*KeyspaceOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var opts KeyspaceOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	if opts.BlockCacheBytes == 0 {
		opts.BlockCacheBytes = Defaults().BlockCacheBytes
	}
	if opts.MaxJournalingSizeInBytes == 0 {
		opts.MaxJournalingSizeInBytes = Defaults().MaxJournalingSizeInBytes
	} else if opts.MaxJournalingSizeInBytes < minJournalingSize {
		return nil, fmt.Errorf("config: max_journaling_size_in_bytes must be >= %d bytes, got %d", minJournalingSize, opts.MaxJournalingSizeInBytes)
	}
	if opts.FsyncMs == 0 {
		opts.FsyncMs = Defaults().FsyncMs
	}
	for name, partition := range opts.Partitions {
		partition.applyDefaults()
		// A partition's path is assigned by OpenPartition (it lives under
		// the keyspace root), so only the remaining fields are validated
		// here.
		if partition.MaxJournalingSizeInBytes < minJournalingSize {
			return nil, fmt.Errorf("config: partition %q: max_journaling_size_in_bytes must be >= %d bytes, got %d",
				name, minJournalingSize, partition.MaxJournalingSizeInBytes)
		}
		if partition.FsyncMs < 0 {
			return nil, fmt.Errorf("config: partition %q: fsync_ms must be >= 0, got %d", name, partition.FsyncMs)
		}
		opts.Partitions[name] = partition
	}
	return &opts, nil
}

// Save writes opts to path as YAML.
func (o *KeyspaceOptions) Save(path string) error {
	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("config: marshal keyspace options: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
