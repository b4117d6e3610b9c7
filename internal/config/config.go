// Package config assembles the server configuration from an optional .env
// file and environment variables layered over each package's defaults.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ahsanbhutta01/private-chat/internal/api"
	"github.com/ahsanbhutta01/private-chat/internal/realtime"
	"github.com/ahsanbhutta01/private-chat/internal/room"
	"github.com/ahsanbhutta01/private-chat/internal/ws"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendLocal  = "local"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr      string
	ServerName      string
	StoreBackend    string // redis | memory
	RedisAddr       string
	BusBackend      string // nats | local
	NATS            realtime.NATSConfig
	Room            room.Config
	WS              ws.ServerConfig
	API             api.Config
	ShutdownTimeout time.Duration
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "chat-1"
	}
	return Config{
		ListenAddr:      ":8080",
		ServerName:      serverName,
		StoreBackend:    BackendRedis,
		RedisAddr:       "localhost:6379",
		BusBackend:      BackendNATS,
		NATS:            realtime.DefaultNATSConfig(),
		Room:            room.DefaultConfig(),
		WS:              ws.DefaultServerConfig(),
		API:             api.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads .env when present, then applies environment overrides to
// Default. Invalid values are logged and the default is kept.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv applies environment overrides to Default without touching .env.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	cfg.StoreBackend = envChoice("STORE_BACKEND", cfg.StoreBackend, BackendRedis, BackendMemory)
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.BusBackend = envChoice("BUS_BACKEND", cfg.BusBackend, BackendNATS, BackendLocal)
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	cfg.NATS.Name = "private-chat-" + cfg.ServerName

	cfg.Room.TTL = envDuration("ROOM_TTL", cfg.Room.TTL, time.Second)
	cfg.Room.TypingTTL = envDuration("TYPING_TTL", cfg.Room.TypingTTL, time.Millisecond)
	cfg.Room.ReapInterval = envDuration("REAP_INTERVAL", cfg.Room.ReapInterval, time.Millisecond)

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			cfg.API.CORSOrigins = origins
		}
	}
	cfg.API.MessageRule = cfg.API.MessageRule.WithLimit(envInt("RATE_LIMIT_MESSAGES", cfg.API.MessageRule.Limit))
	cfg.API.TypingRule = cfg.API.TypingRule.WithLimit(envInt("RATE_LIMIT_TYPING", cfg.API.TypingRule.Limit))

	cfg.WS.WorkerPoolSize = envInt("WORKER_POOL_SIZE", cfg.WS.WorkerPoolSize)
	cfg.WS.MaxConnections = envInt("MAX_CONNECTIONS", cfg.WS.MaxConnections)
	cfg.WS.ReadTimeout = envDuration("READ_TIMEOUT", cfg.WS.ReadTimeout, time.Millisecond)
	cfg.WS.WriteTimeout = envDuration("WRITE_TIMEOUT", cfg.WS.WriteTimeout, time.Millisecond)

	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout, time.Second)
	return cfg
}

// envInt returns the positive integer in key, or def.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

// envDuration returns the duration in key, or def. Values below min are
// rejected.
func envDuration(key string, def, min time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < min {
		log.Printf("[config] invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func envChoice(key, def string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	log.Printf("[config] invalid %s=%q, using %s", key, v, def)
	return def
}
