package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/veilchat/go-veilchat-sdk/channel"
	"github.com/veilchat/go-veilchat-sdk/identity"
	"github.com/veilchat/go-veilchat-sdk/memory_channel"
	"github.com/veilchat/go-veilchat-sdk/message_exchange"
	"github.com/veilchat/go-veilchat-sdk/mongo_directory"
	"github.com/veilchat/go-veilchat-sdk/redis_channel"
	"github.com/veilchat/go-veilchat-sdk/veilchat"
	"github.com/veilchat/go-veilchat-sdk/ws_channel"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"os"
	"time"
)

func main() {
	redisAddr := flag.String("redis-addr", "", "redis address for the channel provider (in-memory if empty)")
	mongoURI := flag.String("mongo-uri", "", "mongodb URI for the user directory (in-memory if empty)")
	mongoDB := flag.String("mongo-db", "veilchat", "mongodb database name")
	serverURL := flag.String("server-url", "", "URL of a veilchat-server; overrides -redis-addr and -mongo-uri")
	attachment := flag.String("file", "", "file to send along with the message")
	text := flag.String("text", "hello", "text to send")
	flag.Parse()

	if err := run(*serverURL, *redisAddr, *mongoURI, *mongoDB, *attachment, *text); err != nil {
		tracerr.PrintSourceColor(err)
		os.Exit(1)
	}
}

func run(serverURL string, redisAddr string, mongoURI string, mongoDB string, attachment string, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	baseOptions, err := veilchat.OptionsFromEnv()
	if err != nil {
		return tracerr.Wrap(err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).With().Timestamp().Logger().Level(baseOptions.LogLevel)

	alice := identity.User{ID: "alice", Name: "Alice"}
	bob := identity.User{ID: "bob", Name: "Bob"}
	hub := memory_channel.NewHub()
	hub.AddUser(alice)
	hub.AddUser(bob)

	var directory identity.Directory = hub
	if mongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
		if err != nil {
			return tracerr.Wrap(err)
		}
		defer mongoClient.Disconnect(context.Background())
		if err = mongoClient.Ping(ctx, nil); err != nil {
			return tracerr.Wrap(err)
		}
		directory = mongo_directory.New(mongoClient.Database(mongoDB), logger.With().Str("component", "mongoDirectory").Logger())
	}

	providerFor := func(user identity.User) channel.Provider {
		return hub.Connect(user)
	}
	var redisClient *redis.Client
	if redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		defer redisClient.Close()
		if err = redisClient.Ping(ctx).Err(); err != nil {
			return tracerr.Wrap(err)
		}
		providerFor = func(user identity.User) channel.Provider {
			return redis_channel.NewProvider(redisClient, user, logger.With().Str("component", "redisChannel").Logger())
		}
	}

	newClient := func(user identity.User) (*veilchat.Client, error) {
		opts := *baseOptions
		opts.ChannelProvider = providerFor(user)
		opts.Directory = directory
		if serverURL != "" {
			token, err := identity.IssueSessionToken(user, os.Getenv(veilchat.EnvSessionSecret), time.Hour)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			provider := ws_channel.NewProvider(serverURL, token, logger.With().Str("component", "wsChannel").Str("user", user.ID).Logger())
			opts.ChannelProvider = provider
			opts.Directory = provider
		}
		opts.Session = &identity.Session{UserID: user.ID, User: &user}
		opts.InstanceName = user.ID
		opts.LogWriter = os.Stderr
		return veilchat.Initialize(&opts)
	}
	aliceClient, err := newClient(alice)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer aliceClient.Close()
	bobClient, err := newClient(bob)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer bobClient.Close()

	peers, err := aliceClient.ListUsers(ctx)
	if err != nil {
		return tracerr.Wrap(err)
	}
	fmt.Printf("alice sees %d other user(s)\n", len(peers))

	if _, err = aliceClient.SelectPeer(ctx, bob); err != nil {
		return tracerr.Wrap(err)
	}
	ch, err := bobClient.SelectPeer(ctx, alice)
	if err != nil {
		return tracerr.Wrap(err)
	}
	fmt.Printf("direct channel %q (%s)\n", ch.Name(), ch.ID())

	if attachment != "" {
		_, err = aliceClient.SendFile(ctx, text, attachment)
	} else {
		_, err = aliceClient.Send(ctx, message_exchange.SendInput{Text: text})
	}
	if err != nil {
		return tracerr.Wrap(err)
	}

	// redis delivers asynchronously
	deadline := time.Now().Add(5 * time.Second)
	for len(bobClient.ReceivedMessages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	for _, record := range bobClient.ReceivedMessages() {
		fmt.Printf("[%s] %s: %s\n", record.Timestamp, record.Sender, record.Text)
		if record.File != nil && record.File.Info != nil {
			fmt.Printf("  attachment %s (%s, %d bytes)\n", record.File.Info.Name, record.File.Info.MimeType, record.File.Info.SizeBytes)
		}
	}
	fmt.Printf("alice security status: %+v\n", aliceClient.SecurityStatus())
	fmt.Printf("bob security status: %+v\n", bobClient.SecurityStatus())
	return nil
}
