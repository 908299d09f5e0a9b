// Copyright 2024-2026 Aiku AI

// Command telebridge is a Matrix-Telegram relay bridge. It mirrors messages
// between Matrix rooms and Telegram chats, representing Telegram users as
// Matrix ghost accounts and Matrix users through attributed bot messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/telebridge/pkg/appservice"
	"github.com/aiku/telebridge/pkg/bridge"
	"github.com/aiku/telebridge/pkg/telegram"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	writeExample := flag.Bool("example-config", false, "print the example config and exit")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("telebridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(bridge.ExampleConfig)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telebridge: %v\n", err)
		os.Exit(1)
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "telebridge: compile logging config: %v\n", err)
		os.Exit(1)
	}
	exzerolog.SetupDefaults(log)

	if err := run(cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Bridge failed")
	}
}

func run(cfg *bridge.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Tag).Msg("Starting telebridge")

	store, err := bridge.OpenStore(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer store.Close()
	cursor := bridge.NewCursorTracker(store.DB(), log)

	// Seed configured chat links before anything can race them.
	for _, link := range cfg.Links {
		chatID := strconv.FormatInt(link.TelegramChat, 10)
		if err := store.LinkConversation(ctx, link.MatrixRoom, chatID); err != nil {
			return fmt.Errorf("seed link %s: %w", link.MatrixRoom, err)
		}
	}

	botOpts := []telego.BotOption{telego.WithDefaultLogger(false, true)}
	if cfg.Telegram.APIURL != "" {
		botOpts = append(botOpts, telego.WithAPIServer(cfg.Telegram.APIURL))
	}
	tgBot, err := telego.NewBot(cfg.Telegram.Token, botOpts...)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	me, err := tgBot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	log.Info().Str("username", me.Username).Int64("id", me.ID).Msg("Authenticated to Telegram")

	clients, err := appservice.NewClientManager(cfg, log)
	if err != nil {
		return err
	}

	ghosts := appservice.NewGhostCreator(cfg, clients, log)
	provisioner := bridge.NewProvisioner(store, time.Duration(cfg.Relay.ProfileRefreshSeconds)*time.Second, log)
	provisioner.RegisterCreator(ghosts)
	provisioner.RegisterAvatarSource(telegram.NewAvatarSource(tgBot))

	matrixCreator := appservice.NewCreator(cfg, clients, log)
	store.RegisterConversationCreator(matrixCreator)
	store.RegisterConversationCreator(telegram.Creator{})

	engine := bridge.NewEngine(cfg.Relay, store, provisioner, log)
	engine.RegisterDeliverer(appservice.NewDeliverer(cfg, clients, log))
	engine.RegisterDeliverer(telegram.NewDeliverer(cfg, tgBot, log))

	service := appservice.NewService(cfg, engine, store, cursor, clients, ghosts, matrixCreator, log)
	poller := telegram.NewPoller(tgBot, engine, cursor, cfg.Telegram.PollTimeout, me.ID, log)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start relay engine: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- service.Start() }()
	go func() {
		err := poller.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Appservice shutdown incomplete")
	}
	engine.Shutdown(15 * time.Second)
	log.Info().Msg("Shutdown complete")
	return nil
}
