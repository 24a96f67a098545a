package main

import (
	"context"
	"errors"
	"flag"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/memory_channel"
	"github.com/veilchat/go-veilchat-sdk/mongo_directory"
	"github.com/veilchat/go-veilchat-sdk/redis_channel"
	"github.com/veilchat/go-veilchat-sdk/veilchat"
	"github.com/veilchat/go-veilchat-sdk/ws_channel"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	listen := flag.String("listen", "localhost:9090", "address to listen on")
	redisAddr := flag.String("redis-addr", "", "redis address of the channel backend (in-memory if empty)")
	mongoURI := flag.String("mongo-uri", "", "mongodb URI of the user directory (in-memory if empty)")
	mongoDB := flag.String("mongo-db", "veilchat", "mongodb database name")
	logLevel := flag.String("log-level", "info", "zerolog level")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		tracerr.PrintSourceColor(err)
		os.Exit(2)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).With().Timestamp().Str("component", "server").Logger().Level(level)
	if err = run(*listen, *redisAddr, *mongoURI, *mongoDB, logger); err != nil {
		logger.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return client, tracerr.Wrap(client.Ping(ctx, nil))
}

func run(listen string, redisAddr string, mongoURI string, mongoDB string, logger zerolog.Logger) error {
	secret := os.Getenv(veilchat.EnvSessionSecret)
	if secret == "" {
		return tracerr.Errorf("%s must be set", veilchat.EnvSessionSecret)
	}

	hub := memory_channel.NewHub()
	var directory identity.Directory = hub
	if mongoURI != "" {
		mongoClient, err := initMongo(mongoURI)
		if err != nil {
			return tracerr.Wrap(err)
		}
		defer mongoClient.Disconnect(context.Background())
		directory = mongo_directory.New(mongoClient.Database(mongoDB), logger.With().Str("component", "mongoDirectory").Logger())
	}

	providerFor := func(user identity.User) channel.Provider {
		return hub.Connect(user)
	}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return tracerr.Wrap(err)
		}
		redisLogger := logger.With().Str("component", "redisChannel").Logger()
		providerFor = func(user identity.User) channel.Provider {
			return redis_channel.NewProvider(rdb, user, redisLogger)
		}
	}

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           ws_channel.NewServer(providerFor, directory, secret, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", listen).Msg("Listening")
		errs <- httpServer.ListenAndServe()
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return tracerr.Wrap(err)
		}
		return nil
	case <-done:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info().Msg("Shutting down")
	return tracerr.Wrap(httpServer.Shutdown(ctx))
}
