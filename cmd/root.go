// Package cmd implements the memsched command line interface.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkarlsen/memsched/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "memsched",
	Short: "Memory scheduler for conversational agents",
	Long: `memsched schedules the memory operations behind conversational agents:
chat turns, working-memory reconciliation, long-term promotion and merges,
feedback, and preference extraction, across per-user mem cubes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/memsched/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Default()
	viper.SetDefault("env", string(defaults.Env))
	viper.SetDefault("scheduler.max_workers", defaults.Scheduler.MaxWorkers)
	viper.SetDefault("scheduler.consume_interval", defaults.Scheduler.ConsumeInterval)
	viper.SetDefault("scheduler.consume_batch", defaults.Scheduler.ConsumeBatch)
	viper.SetDefault("scheduler.consumer_mode", string(defaults.Scheduler.ConsumerMode))
	viper.SetDefault("scheduler.max_queue_size", defaults.Scheduler.MaxQueueSize)
	viper.SetDefault("scheduler.max_weblog_queue_size", defaults.Scheduler.MaxWebLogQueueSize)
	viper.SetDefault("scheduler.monitor_interval", defaults.Scheduler.MonitorInterval)
	viper.SetDefault("scheduler.parallel_dispatch", defaults.Scheduler.ParallelDispatch)
	viper.SetDefault("scheduler.top_k", defaults.Scheduler.TopK)
	viper.SetDefault("scheduler.context_window_size", defaults.Scheduler.ContextWindowSize)
	viper.SetDefault("scheduler.query_key_words_limit", defaults.Scheduler.QueryKeyWordsLimit)
	viper.SetDefault("scheduler.filter_similarity_threshold", defaults.Scheduler.SimilarityThreshold)
	viper.SetDefault("scheduler.filter_min_length_threshold", defaults.Scheduler.MinLengthThreshold)
	viper.SetDefault("scheduler.enhance_strategy", defaults.Scheduler.EnhanceStrategy)
	viper.SetDefault("scheduler.enhance_batch_size", defaults.Scheduler.EnhanceBatchSize)
	viper.SetDefault("scheduler.enhance_retries", defaults.Scheduler.EnhanceRetries)
	viper.SetDefault("scheduler.pref_add_ttl", defaults.Scheduler.PrefAddTTL)
	viper.SetDefault("scheduler.enable_activation_memory", defaults.Scheduler.EnableActivationMemory)
	viper.SetDefault("scheduler.act_mem_dump_path", defaults.Scheduler.ActMemDumpPath)
	viper.SetDefault("scheduler.act_mem_update_interval", defaults.Scheduler.ActMemUpdateInterval)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)
	viper.SetDefault("rate_limit.enabled", defaults.RateLimit.Enabled)
	viper.SetDefault("rate_limit.limit", defaults.RateLimit.Limit)
	viper.SetDefault("rate_limit.window", defaults.RateLimit.Window)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "memsched"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MEMSCHED")
	viper.AutomaticEnv()

	// Missing config file is fine, defaults apply.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
