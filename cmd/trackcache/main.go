// Package main provides the entry point for the trackcache CLI, a small
// operator tool for prefetching, inspecting and pruning the track cache.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/trackcache"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	cacheDir   string
	waitBudget time.Duration
	metaFlags  []string
	debug      bool

	rootCmd = &cobra.Command{
		Use:          "trackcache",
		Short:        "Manage the on-disk track cache",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if debug || viper.GetBool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}

	fetchCmd = &cobra.Command{
		Use:   "fetch <track-id> <url>",
		Short: "Fetch a track into the cache, waiting up to the wait budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			cache, err := buildCache()
			if err != nil {
				return err
			}

			extra, err := parseMeta(metaFlags)
			if err != nil {
				return err
			}

			path, ok := cache.RequestCached(args[0], args[1], extra)
			if !ok {
				fmt.Println("miss: fetch continues in the background")
				return nil
			}
			fmt.Println(path)
			return nil
		},
	}

	getCmd = &cobra.Command{
		Use:   "get <track-id>",
		Short: "Print the cached entry for a track",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cache, err := buildCache()
			if err != nil {
				return err
			}

			entry, ok := cache.GetCachedEntry(args[0])
			if !ok {
				return fmt.Errorf("no cached entry for %s", args[0])
			}

			fmt.Printf("stored at: %s\n", entry.StoredAt.Format(time.RFC3339))
			if path, ok := entry.LocalPath(); ok {
				fmt.Printf("local path: %s\n", path)
			}
			if size, ok := entry.SizeBytes(); ok {
				fmt.Printf("payload size: %s\n", humanize.Bytes(uint64(size)))
			}
			return nil
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <track-id>",
		Short: "Remove a track's cached entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cache, err := buildCache()
			if err != nil {
				return err
			}
			cache.DeleteCachedEntry(args[0])
			return nil
		},
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached entry",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cache, err := buildCache()
			if err != nil {
				return err
			}
			cache.ClearAll()
			return nil
		},
	}

	gcCmd = &cobra.Command{
		Use:   "gc",
		Short: "Run one eviction pass",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cache, err := buildCache()
			if err != nil {
				return err
			}
			before := cache.Usage()
			cache.Cleanup()
			after := cache.Usage()
			fmt.Printf("removed %d entries, %s reclaimed\n",
				before.Entries-after.Entries,
				humanize.Bytes(uint64(max64(before.TotalBytes-after.TotalBytes, 0))))
			return nil
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cache, err := buildCache()
			if err != nil {
				return err
			}
			u := cache.Usage()
			fmt.Printf("directory: %s\n", cache.Dir())
			fmt.Printf("entries:   %d\n", u.Entries)
			fmt.Printf("metadata:  %s\n", humanize.Bytes(uint64(u.TotalBytes)))
			return nil
		},
	}
)

// buildCache assembles the configuration from environment variables,
// the config file and command line flags, in increasing precedence.
func buildCache() (*trackcache.Cache, error) {
	cfg, err := trackcache.ConfigFromEnv()
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("dir"); v != "" {
		cfg.CacheDir = v
	}
	if v := viper.GetInt("max_age_days"); v != 0 {
		cfg.MaxAgeDays = v
	}
	if v := viper.GetInt64("max_size_bytes"); v != 0 {
		cfg.MaxTotalSizeBytes = v
	}
	if v := viper.GetDuration("download_timeout"); v != 0 {
		cfg.DownloadTimeout = v
	}
	if viper.IsSet("max_retries") {
		cfg.MaxRetries = viper.GetInt("max_retries")
	}
	if viper.IsSet("dedupe_in_flight") {
		cfg.DedupeInFlight = viper.GetBool("dedupe_in_flight")
	}

	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}
	if waitBudget > 0 {
		cfg.WaitBudget = waitBudget
	}

	return trackcache.New(cfg)
}

// parseMeta converts repeated key=value flags into a metadata map.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		meta[k] = v
	}
	return meta, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "trackcache")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "trackcache")}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("trackcache")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("trackcache")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
	}
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&cacheDir, "dir", "", "cache directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	fetchCmd.Flags().DurationVar(&waitBudget, "wait", 100*time.Millisecond, "how long to wait before returning a miss")
	fetchCmd.Flags().StringArrayVar(&metaFlags, "meta", nil, "extra metadata as key=value (repeatable)")

	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(fetchCmd, getCmd, deleteCmd, clearCmd, gcCmd, statsCmd)
}

func main() {
	tryLoadConfigFromDefaultPlaces()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
