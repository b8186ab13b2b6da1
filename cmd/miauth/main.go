package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/layer-3/miauth"
	"github.com/layer-3/miauth/adapters/tokenizer"
	"github.com/layer-3/miauth/adapters/twofactor"
	"github.com/layer-3/miauth/config"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/identity"
	"github.com/layer-3/miauth/service"
	transport "github.com/layer-3/miauth/transport/http"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "miauth.yaml", "Path to configuration file")
	cli := flag.Bool("cli", false, "Run a single login in the terminal instead of serving the API")
	user := flag.String("user", "", "Account username for -cli")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := setupLogging(cfg.Log)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if *cli {
		err = runCLI(ctx, cfg, *user, logger)
	} else {
		err = runServer(ctx, cfg, logger)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("miauth failed")
	}
}

func setupLogging(cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return log.Logger
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	kv, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	ident, err := identity.Load(ctx, kv)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	eventPub, closeEvents, err := openPublisher(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	// Tickets only need to survive this process
	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ticket key: %w", err)
	}

	board := twofactor.NewBoard()
	bridge := twofactor.NewBridge(board, tokenizer.NewJWTTokenizer(signKey),
		twofactor.WithTimeout(cfg.Tickets.TTL),
		twofactor.WithLogger(logger.With().Str("component", "two_factor").Logger()),
	)

	svc := service.NewLoginService(cfg, miauth.NewHTTPClient(cfg.HTTP.Timeout), ident, eventPub, logger)
	router := transport.SetupRouter(ctx, service.NewTracker(svc, service.WithRetention(cfg.Tickets.TTL)), bridge, board, cfg.Server.APIKey, logger.With().Str("component", "http").Logger())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.APIKey == "" {
		logger.Warn().Str("addr", cfg.Server.Addr).Msg("No api_key set, any local process can read service tokens")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("client_id", ident.ClientID).Msg("Serving login API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func runCLI(ctx context.Context, cfg *config.Config, user string, logger zerolog.Logger) error {
	in := bufio.NewReader(os.Stdin)

	if user == "" {
		var err error
		if user, err = prompt(in, "Username: "); err != nil {
			return err
		}
	}
	password := os.Getenv("MIAUTH_PASSWORD")
	if password == "" {
		var err error
		if password, err = prompt(in, "Password: "); err != nil {
			return err
		}
	}

	kv, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	eventPub, closeEvents, err := openPublisher(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ticket key: %w", err)
	}

	surface := newTerminalSurface(in, os.Stderr)
	bridge := twofactor.NewBridge(surface, tokenizer.NewJWTTokenizer(signKey),
		twofactor.WithTimeout(cfg.TwoFactor.Timeout),
		twofactor.WithLogger(logger),
	)
	surface.bridge = bridge

	client, err := miauth.NewClient(ctx,
		miauth.WithConfig(cfg),
		miauth.WithStore(kv),
		miauth.WithPublisher(eventPub),
		miauth.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	pc, err := client.Login(ctx, core.Credentials{Username: user, Password: password}, bridge)
	if err != nil {
		return err
	}

	fmt.Printf("user_id=%s c_user_id=%s service_token=%t\n", pc.UserID, pc.CUserID, pc.ServiceToken != "")
	return nil
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" && err != nil {
		return "", fmt.Errorf("failed to read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return line, nil
}
