package main

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/toolink/cogbot/config"
	"github.com/toolink/cogbot/logx"
)

var errNoRedis = errors.New("COGBOT_REDIS_ADDR is not set")

var (
	envFile string
	cfgFile string

	rootCmd = &cobra.Command{
		Use:          "cogbot",
		Short:        "Chat bot with runtime loadable extensions",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (overrides COGBOT_CONFIG_FILE)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ctlCmd)
}

// loadConfig reads the configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(config.Options{EnvFile: envFile, ConfigFile: cfgFile})
	if err != nil {
		return nil, err
	}
	logx.Init(conf.Log)
	return conf, nil
}

func newRedisClient(conf *config.Config) (*redis.Client, error) {
	if conf.RedisAddr == "" {
		return nil, errNoRedis
	}
	return redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	}), nil
}
