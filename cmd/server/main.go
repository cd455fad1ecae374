package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/Tyrowin/chatpresence/internal/api"
	"github.com/Tyrowin/chatpresence/internal/auth"
	"github.com/Tyrowin/chatpresence/internal/logger"
	"github.com/Tyrowin/chatpresence/internal/server"
	"github.com/Tyrowin/chatpresence/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	port := flag.String("port", "", "listen address, overrides PORT")
	origins := flag.StringSlice("origins", nil, "allowed browser origins, overrides ALLOWED_ORIGINS")
	mongoURI := flag.String("mongo-uri", "", "MongoDB URI; in-memory accounts when unset")
	redisAddr := flag.String("redis-addr", "", "Redis address for the online-set mirror")
	natsURL := flag.String("nats-url", "", "NATS URL for presence events")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	server.LoadDotEnv(*envFile)
	cfg := server.NewConfigFromEnv()
	if *port != "" {
		cfg.Port = *port
		if !strings.Contains(cfg.Port, ":") {
			cfg.Port = ":" + cfg.Port
		}
	}
	if len(*origins) > 0 {
		cfg.AllowedOrigins = *origins
	}
	if *mongoURI != "" {
		cfg.MongoURI = *mongoURI
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if !logger.SetLevel(cfg.LogLevel) {
		logger.Warnf("Unknown log level %q, keeping info", cfg.LogLevel)
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server.SetConfig(cfg)
	defer func() { _ = logger.Log.Sync() }()

	logger.Info("Starting chat presence server...")

	ctx := context.Background()

	users, err := openUserStore(ctx, cfg)
	if err != nil {
		logger.Errorf("User store: %v", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := users.Close(closeCtx); err != nil {
			logger.Warnf("Closing user store: %v", err)
		}
	}()

	secret := cfg.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("JWT_SECRET is not set; tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenService(auth.Options{Secret: []byte(secret), Alg: "HS256", TTL: cfg.TokenTTL})
	if err != nil {
		logger.Errorf("Token service: %v", err)
		os.Exit(1)
	}

	hub := server.NewHub(server.WithSinks(openSinks(ctx, cfg)...))
	server.StartHub(hub)

	httpServer := server.CreateServer(cfg.Port, api.NewRouter(api.Deps{
		Hub:    hub,
		Users:  users,
		Tokens: tokens,
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- server.StartServer(httpServer) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Errorf("Server stopped: %v", err)
		}
	}

	_ = server.ShutdownServer(httpServer, shutdownTimeout)
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warnf("Hub shutdown: %v", err)
	}
}

func openUserStore(ctx context.Context, cfg *server.Config) (store.UserStore, error) {
	if cfg.MongoURI == "" {
		logger.Warn("MONGO_URI is not set; accounts are kept in memory")
		return store.NewMemoryStore(), nil
	}
	return store.NewMongoStore(ctx, store.MongoConfig{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
}

// openSinks connects the optional presence mirrors. A mirror that cannot be
// reached is skipped; presence itself never depends on one.
func openSinks(ctx context.Context, cfg *server.Config) []server.PresenceSink {
	var sinks []server.PresenceSink
	if cfg.RedisAddr != "" {
		sink, err := server.NewRedisSink(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKey)
		if err != nil {
			logger.Warnf("Redis presence mirror disabled: %v", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.NATSURL != "" {
		sink, err := server.NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Warnf("NATS presence mirror disabled: %v", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}
