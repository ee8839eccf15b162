package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProfileConfig is one prefetch sizing profile. Percent fields accept both
// the 0-1 and the 0-100 conventions; values above 1 are divided by 100.
type ProfileConfig struct {
	StartPct   float64 `mapstructure:"start_pct" json:"start_pct"`
	StartMinMB float64 `mapstructure:"start_min_mb" json:"start_min_mb"`
	StartMaxMB float64 `mapstructure:"start_max_mb" json:"start_max_mb"`
	EndPct     float64 `mapstructure:"end_pct" json:"end_pct"`
	EndMinMB   float64 `mapstructure:"end_min_mb" json:"end_min_mb"`
	EndMaxMB   float64 `mapstructure:"end_max_mb" json:"end_max_mb"`
}

type PrefetchConfig struct {
	OnStart  bool   `mapstructure:"on_start" json:"on_start"`
	Mode     string `mapstructure:"mode" json:"mode"` // "media" | "all"
	Workers  int    `mapstructure:"workers" json:"workers"`
	MaxMB    int    `mapstructure:"max_mb" json:"max_mb"`
	MaxFiles int    `mapstructure:"max_files" json:"max_files"`
	MaxDirs  int    `mapstructure:"max_dirs" json:"max_dirs"`

	BatchSize    int `mapstructure:"batch_size" json:"batch_size"`
	BatchSleepMS int `mapstructure:"batch_sleep_ms" json:"batch_sleep_ms"`
	ScanSleepMS  int `mapstructure:"scan_sleep_ms" json:"scan_sleep_ms"`
	SleepMS      int `mapstructure:"sleep_ms" json:"sleep_ms"`

	MediaExtensions []string      `mapstructure:"media_extensions" json:"media_extensions"`
	Media           ProfileConfig `mapstructure:"media" json:"media"`
	Other           ProfileConfig `mapstructure:"other" json:"other"`
}

type CheckingConfig struct {
	MaxActive int `mapstructure:"max_active" json:"max_active"` // 0 = unlimited
}

type ResumeConfig struct {
	SaveIntervalS int `mapstructure:"save_interval_s" json:"save_interval_s"` // 0 = disabled
}

type TrackersConfig struct {
	// Aliases maps "torrentfs://<name>" to tracker URL lists, substituted
	// into announce lists at torrent load time.
	Aliases map[string][]string `mapstructure:"aliases" json:"aliases"`
}

type ReadConfig struct {
	GapMS int `mapstructure:"gap_ms" json:"gap_ms"`
}

// Config is the daemon-wide configuration injected into the manager and
// every engine. Loaded from JSON by InitConf; daemon flags override the
// directory, socket and check-skipping fields afterwards.
type Config struct {
	CacheRoot      string `mapstructure:"cache_root" json:"cache_root"`
	WatchDirectory string `mapstructure:"watch_directory" json:"watch_directory"`
	Socket         string `mapstructure:"socket" json:"socket"`

	IncomingPort  int    `mapstructure:"incoming_port" json:"incoming_port"`
	UploadRate    string `mapstructure:"upload_rate" json:"upload_rate"`
	DownloadRate  string `mapstructure:"download_rate" json:"download_rate"`
	EngineDebug   bool   `mapstructure:"engine_debug" json:"engine_debug"`
	MuteEngineLog bool   `mapstructure:"mute_engine_log" json:"mute_engine_log"`

	MaxMetadataMB int  `mapstructure:"max_metadata_mb" json:"max_metadata_mb"`
	SkipCheck     bool `mapstructure:"skip_check" json:"skip_check"`

	Checking CheckingConfig `mapstructure:"checking" json:"checking"`
	Resume   ResumeConfig   `mapstructure:"resume" json:"resume"`
	Trackers TrackersConfig `mapstructure:"trackers" json:"trackers"`
	Read     ReadConfig     `mapstructure:"read" json:"read"`
	Prefetch PrefetchConfig `mapstructure:"prefetch" json:"prefetch"`
}

func (c *Config) ReadGap() time.Duration {
	if c.Read.GapMS <= 0 {
		return 150 * time.Millisecond
	}
	return time.Duration(c.Read.GapMS) * time.Millisecond
}

var knownConfigKeys = map[string]bool{
	"cache_root": true, "watch_directory": true, "socket": true,
	"incoming_port": true, "upload_rate": true, "download_rate": true,
	"engine_debug": true, "mute_engine_log": true,
	"max_metadata_mb": true, "skip_check": true,
	"checking.max_active":    true,
	"resume.save_interval_s": true,
	"trackers.aliases":       true,
	"read.gap_ms":            true,
	"prefetch.on_start":      true, "prefetch.mode": true, "prefetch.workers": true,
	"prefetch.max_mb": true, "prefetch.max_files": true, "prefetch.max_dirs": true,
	"prefetch.batch_size": true, "prefetch.batch_sleep_ms": true,
	"prefetch.scan_sleep_ms": true, "prefetch.sleep_ms": true,
	"prefetch.media_extensions": true,
}

// InitConf loads the daemon configuration. When specPath (or, if that is
// empty, $TORRENTFSD_CONFIG) is set, that file alone is read: a missing
// file there is an error and the search paths are not consulted.
// Otherwise the first existing of ~/.config/torrentfs/torrentfsd.json,
// /etc/torrentfs/torrentfsd.json and ./config/torrentfsd.json is used, and
// finding none yields defaults. A malformed file is an error. Unknown keys
// are warned about and ignored.
func InitConf(specPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("torrentfsd")
	v.SetConfigType("json")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "torrentfs"))
	}
	v.AddConfigPath("/etc/torrentfs")
	v.AddConfigPath("config")

	setDefaults(v)

	if specPath == "" {
		specPath = os.Getenv("TORRENTFSD_CONFIG")
	}
	if specPath != "" {
		v.SetConfigFile(specPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: %w", err)
		}
	} else {
		log.Println("[config] selected config file:", v.ConfigFileUsed())
		warnUnknownKeys(v)
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.normalizeDirs(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_root", "./cache")
	v.SetDefault("watch_directory", "./torrents")
	v.SetDefault("incoming_port", 50007)
	v.SetDefault("upload_rate", "")
	v.SetDefault("download_rate", "")
	v.SetDefault("mute_engine_log", true)
	v.SetDefault("max_metadata_mb", 100)
	v.SetDefault("skip_check", false)
	v.SetDefault("checking.max_active", 0)
	v.SetDefault("resume.save_interval_s", 60)
	v.SetDefault("read.gap_ms", 150)

	v.SetDefault("prefetch.on_start", false)
	v.SetDefault("prefetch.mode", "media")
	v.SetDefault("prefetch.workers", 4)
	v.SetDefault("prefetch.max_mb", 512)
	v.SetDefault("prefetch.max_files", 64)
	v.SetDefault("prefetch.max_dirs", 16)
	v.SetDefault("prefetch.batch_size", 32)
	v.SetDefault("prefetch.batch_sleep_ms", 25)
	v.SetDefault("prefetch.scan_sleep_ms", 5)
	v.SetDefault("prefetch.sleep_ms", 2)
	v.SetDefault("prefetch.media_extensions", []string{
		".mp4", ".mkv", ".avi", ".mov", ".m4v", ".webm",
		".mp3", ".flac", ".aac", ".ogg", ".wav",
	})
	v.SetDefault("prefetch.media.start_pct", 0.10)
	v.SetDefault("prefetch.media.start_min_mb", 1)
	v.SetDefault("prefetch.media.start_max_mb", 4)
	v.SetDefault("prefetch.media.end_pct", 0.02)
	v.SetDefault("prefetch.media.end_min_mb", 1)
	v.SetDefault("prefetch.media.end_max_mb", 2)
	v.SetDefault("prefetch.other.start_pct", 0.02)
	v.SetDefault("prefetch.other.start_min_mb", 0.25)
	v.SetDefault("prefetch.other.start_max_mb", 1)
	v.SetDefault("prefetch.other.end_pct", 0.01)
	v.SetDefault("prefetch.other.end_min_mb", 0.25)
	v.SetDefault("prefetch.other.end_max_mb", 1)
}

func warnUnknownKeys(v *viper.Viper) {
	var unknown []string
	for _, key := range v.AllKeys() {
		if knownConfigKeys[key] {
			continue
		}
		// profile sub-keys share a fixed field set
		if strings.HasPrefix(key, "prefetch.media.") || strings.HasPrefix(key, "prefetch.other.") {
			continue
		}
		if strings.HasPrefix(key, "trackers.aliases.") {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		log.Printf("[config] unknown key %q ignored", key)
	}
}

func (c *Config) normalizeDirs() error {
	for _, dir := range []*string{&c.CacheRoot, &c.WatchDirectory} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("config: invalid path %s: %w", *dir, err)
		}
		*dir = abs
	}
	return nil
}

// ResolveAlias expands a "torrentfs://<name>" tracker alias into its
// configured URL list; any other URL passes through unchanged.
func (c *Config) ResolveAlias(trackerURL string) []string {
	const scheme = "torrentfs://"
	if !strings.HasPrefix(trackerURL, scheme) {
		return []string{trackerURL}
	}
	if urls, ok := c.Trackers.Aliases[trackerURL]; ok {
		return urls
	}
	if urls, ok := c.Trackers.Aliases[strings.TrimPrefix(trackerURL, scheme)]; ok {
		return urls
	}
	log.Printf("[config] tracker alias %q not configured, dropped", trackerURL)
	return nil
}
