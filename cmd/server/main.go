package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/Tyrowin/harmony-realtime/internal/auth"
	"github.com/Tyrowin/harmony-realtime/internal/logger"
	"github.com/Tyrowin/harmony-realtime/internal/server"
	"github.com/Tyrowin/harmony-realtime/internal/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "harmony-realtime"
	app.Usage = "realtime channel subscriptions and message fanout"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "port", EnvVar: "SERVER_PORT", Usage: "listen address, e.g. :8080"},
		cli.StringFlag{Name: "log-level", EnvVar: "LOG_LEVEL", Usage: "debug, info, warn or error"},
		cli.StringFlag{Name: "store", EnvVar: "STORE_BACKEND", Usage: "message store backend: memory or mongo"},
		cli.StringFlag{Name: "mongo-uri", EnvVar: "MONGO_URI", Usage: "MongoDB connection string"},
	}
	app.Action = serve
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the realtime server",
			Action: serve,
		},
		{
			Name:  "token",
			Usage: "issue a development token signed with JWT_SECRET",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "user", Usage: "user id; a random one is generated when empty"},
				cli.StringFlag{Name: "username", Value: "dev", Usage: "display name carried in the token"},
			},
			Action: issueToken,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.FatalF("Server exited with error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers command line flags over the environment.
func loadConfig(c *cli.Context) server.Config {
	config := server.NewConfigFromEnv()
	if port := c.GlobalString("port"); port != "" {
		config.Port = port
	}
	if level := c.GlobalString("log-level"); level != "" {
		config.LogLevel = level
	}
	if backend := c.GlobalString("store"); backend != "" {
		config.Store.Backend = backend
	}
	if uri := c.GlobalString("mongo-uri"); uri != "" {
		config.Store.Mongo.URI = uri
	}
	return server.SanitizeConfig(*config)
}

func openStore(ctx context.Context, config server.Config) (store.MessageStore, error) {
	if config.Store.Backend == server.StoreMongo {
		return store.OpenMongoStore(ctx, config.Store.Mongo)
	}
	logger.Info("Using in-memory message store")
	return store.NewMemoryStore(), nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func serve(c *cli.Context) error {
	config := loadConfig(c)
	logger.Init(logger.ParseLevel(config.LogLevel))
	logger.Info("Starting Harmony realtime server...")

	if config.JWTSecret == "" {
		config.JWTSecret = randomSecret()
		logger.Warn("JWT_SECRET is not set; using a random secret, tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, config.Store.Mongo.ConnectTimeout+time.Second)
	messages, err := openStore(openCtx, config)
	cancel()
	if err != nil {
		return err
	}

	verifier := auth.NewJWTVerifier(config.JWTSecret, config.TokenTTL)
	hub := server.NewHub(config.HubConfig(), messages)
	srv := server.NewServer(config, hub, verifier, messages)
	httpServer := server.CreateServer(config.Port, srv.Routes())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received interrupt signal, shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	// Stop accepting upgrades first, then end every session, then release the store.
	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := hub.Shutdown(config.ShutdownTimeout); err != nil {
		logger.Warn("Hub shutdown incomplete", "error", err)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancelClose()
	if err := messages.Close(closeCtx); err != nil {
		logger.Error("Closing message store failed", "error", err)
	}

	logger.Info("Server stopped")
	return nil
}

func issueToken(c *cli.Context) error {
	config := loadConfig(c)
	if config.JWTSecret == "" {
		return cli.NewExitError("JWT_SECRET must be set to issue tokens", 1)
	}

	userID := uuid.New()
	if raw := c.String("user"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid user id %q", raw), 1)
		}
		userID = parsed
	}

	token, err := auth.NewJWTVerifier(config.JWTSecret, config.TokenTTL).Issue(userID, c.String("username"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
