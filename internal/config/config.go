// Package config loads the NSFS_* / BASE_MODE_* tunables spec §6 names,
// via viper with AutomaticEnv so the store works from environment variables
// alone, matching the env-first posture of the original configuration
// surface, with typed defaults for every key.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved set of tunables consumed by the nsfs core.
type Config struct {
	CalculateMD5         bool          `mapstructure:"nsfs_calculate_md5"`
	FolderObjectName     string        `mapstructure:"nsfs_folder_object_name"`
	Umask                uint32        `mapstructure:"nsfs_umask"`
	BufSize              int           `mapstructure:"nsfs_buf_size"`
	BufPoolMemLimit      int64         `mapstructure:"nsfs_buf_pool_mem_limit"`
	DirCacheMinDirSize   int64         `mapstructure:"nsfs_dir_cache_min_dir_size"`
	DirCacheMaxDirSize   int64         `mapstructure:"nsfs_dir_cache_max_dir_size"`
	DirCacheMaxTotalSize int64         `mapstructure:"nsfs_dir_cache_max_total_size"`
	RenameRetries        int           `mapstructure:"nsfs_rename_retries"`
	TriggerFsync         bool          `mapstructure:"nsfs_trigger_fsync"`
	CheckBucketBoundary  bool          `mapstructure:"nsfs_check_bucket_boundaries"`
	VersioningEnabled    bool          `mapstructure:"nsfs_versioning_enabled"`
	OpenReadMode         string        `mapstructure:"nsfs_open_read_mode"`
	RemovePartsOnComplete bool         `mapstructure:"nsfs_remove_parts_on_complete"`
	BaseModeFile         uint32        `mapstructure:"base_mode_file"`
	BaseModeDir          uint32        `mapstructure:"base_mode_dir"`
	WarnThresholdMS      time.Duration `mapstructure:"nsfs_warn_threshold_ms"`
	BufWarmupSparseReads bool          `mapstructure:"nsfs_buf_warmup_sparse_file_reads"`
	TmpDirName           string        `mapstructure:"nsfs_tmp_dir_name"`
	IOStreamItemTimeout  time.Duration `mapstructure:"nsfs_io_stream_item_timeout"`
}

// Load resolves Config from environment variables (NSFS_* / BASE_MODE_*,
// case-insensitive) layered on top of defaults, optionally merging a YAML
// file at path if non-empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// viper's AutomaticEnv only binds keys that have been registered via
	// SetDefault/BindEnv; register every key explicitly so bare env vars
	// like NSFS_BUF_SIZE are picked up without a config file present.
	for _, key := range []string{
		"nsfs_calculate_md5", "nsfs_folder_object_name", "nsfs_umask",
		"nsfs_buf_size", "nsfs_buf_pool_mem_limit", "nsfs_dir_cache_min_dir_size",
		"nsfs_dir_cache_max_dir_size", "nsfs_dir_cache_max_total_size",
		"nsfs_rename_retries", "nsfs_trigger_fsync", "nsfs_check_bucket_boundaries",
		"nsfs_versioning_enabled", "nsfs_open_read_mode", "nsfs_remove_parts_on_complete",
		"base_mode_file", "base_mode_dir", "nsfs_warn_threshold_ms",
		"nsfs_buf_warmup_sparse_file_reads", "nsfs_tmp_dir_name", "nsfs_io_stream_item_timeout",
	} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nsfs_calculate_md5", false)
	v.SetDefault("nsfs_folder_object_name", ".folder")
	v.SetDefault("nsfs_umask", 0o002)
	v.SetDefault("nsfs_buf_size", 128*1024)
	v.SetDefault("nsfs_buf_pool_mem_limit", int64(256)*1024*1024)
	v.SetDefault("nsfs_dir_cache_min_dir_size", int64(1))
	v.SetDefault("nsfs_dir_cache_max_dir_size", int64(100_000))
	v.SetDefault("nsfs_dir_cache_max_total_size", int64(64)*1024*1024)
	v.SetDefault("nsfs_rename_retries", 5)
	v.SetDefault("nsfs_trigger_fsync", false)
	v.SetDefault("nsfs_check_bucket_boundaries", true)
	v.SetDefault("nsfs_versioning_enabled", true)
	v.SetDefault("nsfs_open_read_mode", "r")
	v.SetDefault("nsfs_remove_parts_on_complete", true)
	v.SetDefault("base_mode_file", 0o644)
	v.SetDefault("base_mode_dir", 0o755)
	v.SetDefault("nsfs_warn_threshold_ms", 100*time.Millisecond)
	v.SetDefault("nsfs_buf_warmup_sparse_file_reads", true)
	v.SetDefault("nsfs_tmp_dir_name", ".nsfs_tmp")
	v.SetDefault("nsfs_io_stream_item_timeout", 10*time.Second)
}
