// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/asch/cowstore/internal/store/types"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/cowstore/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Device    string `toml:"device" env:"COWSTORE_DEVICE" env-default:"memory" env-description:"Backing device. One of memory, null or s3."`
	Size      uint64 `toml:"size" env:"COWSTORE_SIZE" env-default:"8" env-description:"Device size in GB."`
	BlockSize uint64 `toml:"block_size" env:"COWSTORE_BLOCKSIZE" env-default:"4096" env-description:"Block size."`

	S3 struct {
		Bucket      string `toml:"bucket" env:"COWSTORE_S3_BUCKET" env-description:"S3 Bucket name." env-default:"cowstore"`
		Remote      string `toml:"remote" env:"COWSTORE_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"COWSTORE_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"COWSTORE_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"COWSTORE_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"COWSTORE_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"COWSTORE_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	Journal struct {
		Path string `toml:"path" env:"COWSTORE_JOURNAL_PATH" env-description:"Bolt database with the journal. Empty string keeps the journal in memory." env-default:"/var/lib/cowstore/journal.db"`
	} `toml:"journal"`

	Placement struct {
		SegmentSize     uint64 `toml:"segment_size" env:"COWSTORE_PLACEMENT_SEGMENTSIZE" env-description:"Segment size in MB." env-default:"4"`
		InlineThreshold uint64 `toml:"inline_threshold" env:"COWSTORE_PLACEMENT_INLINE" env-description:"Extents up to this many bytes are written with the journal record." env-default:"16384"`
	} `toml:"placement"`

	Cache struct {
		LRUEntries int    `toml:"lru_entries" env:"COWSTORE_CACHE_LRU" env-description:"Number of clean extents kept in memory." env-default:"65536"`
		Policy     string `toml:"policy" env:"COWSTORE_CACHE_POLICY" env-description:"Conflict policy. Either serializable or snapshot." env-default:"serializable"`
		NodeSize   uint64 `toml:"node_size" env:"COWSTORE_CACHE_NODESIZE" env-description:"Checkpointed tree node size in KB." env-default:"1024"`
	} `toml:"cache"`

	Cleaner struct {
		Interval          int64   `toml:"interval" env:"COWSTORE_CLEANER_INTERVAL" env-description:"Pause between cleaner runs. In ms." env-default:"1000"`
		DirtyLag          uint64  `toml:"dirty_lag" env:"COWSTORE_CLEANER_DIRTYLAG" env-description:"Number of commits dirty extents may stay behind the journal head." env-default:"1024"`
		RewriteBytes      uint64  `toml:"rewrite_size" env:"COWSTORE_CLEANER_REWRITESIZE" env-description:"Bytes rewritten by one dirty trimming transaction. In MB." env-default:"4"`
		MergeBatch        int     `toml:"merge_batch" env:"COWSTORE_CLEANER_MERGEBATCH" env-description:"Cached backrefs merged by one transaction." env-default:"4096"`
		LiveData          float64 `toml:"live_data" env:"COWSTORE_CLEANER_LIVEDATA" env-description:"Live data ratio threshold for reclaim. Also used by reclaim triggered with SIGUSR1." env-default:"0.3"`
		ReclaimBelow      float64 `toml:"reclaim_below" env:"COWSTORE_CLEANER_RECLAIMBELOW" env-description:"Reclaim runs automatically when less than this ratio of space is available." env-default:"0.2"`
		CheckpointRecords uint64  `toml:"checkpoint_records" env:"COWSTORE_CLEANER_CHECKPOINT" env-description:"Journal records which trigger a checkpoint." env-default:"8192"`
	} `toml:"cleaner"`

	Log struct {
		Level  int  `toml:"level" env:"COWSTORE_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"COWSTORE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"COWSTORE_PROFILER" env-description:"Enable golang web profiler and metrics endpoint." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"COWSTORE_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return postprocess(&Cfg)
}

// Converts units and validates values which cleanenv cannot.
func postprocess(c *Config) error {
	c.Size *= 1024 * 1024 * 1024
	c.Placement.SegmentSize *= 1024 * 1024
	c.Cache.NodeSize *= 1024
	c.Cleaner.RewriteBytes *= 1024 * 1024

	if c.BlockSize != 512 {
		c.BlockSize = 4096
	}

	switch c.Device {
	case "memory", "null", "s3":
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}

	if _, err := types.ParseConflictPolicy(c.Cache.Policy); err != nil {
		return err
	}

	if c.Placement.SegmentSize == 0 || c.Size < c.Placement.SegmentSize {
		return fmt.Errorf("segment size %d does not fit device of %d bytes", c.Placement.SegmentSize, c.Size)
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("cowstore", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
