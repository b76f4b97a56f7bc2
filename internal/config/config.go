package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":62023"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	ChannelsFile  string `env:"CHANNELS_FILE" envDefault:"channels.yaml"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// WorkerChannel restricts cmd/worker to one channel; empty runs all.
	WorkerChannel string        `env:"WORKER_CHANNEL"`
	BlockTimeout  time.Duration `env:"WORKER_BLOCK_TIMEOUT" envDefault:"5s"`
	AckTimeout    time.Duration `env:"ACK_TIMEOUT" envDefault:"15s"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	StaleAfter        time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"10m"`
	LeaderLockKey     int64         `env:"RECONCILE_LOCK_KEY" envDefault:"42"`
}

func Parse() (Config, error) {
	var c Config
	err := env.Parse(&c)
	return c, err
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
