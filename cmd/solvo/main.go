package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/core-coin/solvo/internal/config"
	"github.com/core-coin/solvo/internal/conversion"
	"github.com/core-coin/solvo/internal/gateway"
	"github.com/core-coin/solvo/internal/http_api"
	"github.com/core-coin/solvo/internal/metrics"
	"github.com/core-coin/solvo/internal/notificator"
	"github.com/core-coin/solvo/internal/repository"
	"github.com/core-coin/solvo/internal/solvo"
	"github.com/core-coin/solvo/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "solvo",
		Usage: "Solvo settles crypto payments for priced actions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.IntFlag{Name: "api-port", Aliases: []string{"a"}, Usage: "HTTP API port"},
			&cli.StringFlag{Name: "gateway-url", Aliases: []string{"g"}, Usage: "Payment gateway base URL"},
			&cli.StringFlag{Name: "gateway-account", Usage: "Gateway account deposit addresses are minted on"},
			&cli.StringFlag{Name: "core-rpc-url", Aliases: []string{"b"}, Usage: "Core blockchain RPC URL for XCB and CTN balances"},
			&cli.StringFlag{Name: "ctn-contract-address", Aliases: []string{"s"}, Usage: "CTN token contract address"},
			&cli.DurationFlag{Name: "poll-interval", Usage: "Balance poll interval"},
			&cli.DurationFlag{Name: "payment-window", Usage: "How long a payment stays open"},
			&cli.BoolFlag{Name: "accept-unconfirmed", Usage: "Count unconfirmed funds towards the target"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("gateway-url") {
		cfg.GatewayURL = c.String("gateway-url")
	}
	if c.IsSet("gateway-account") {
		cfg.GatewayAccount = c.String("gateway-account")
	}
	if c.IsSet("core-rpc-url") {
		cfg.CoreRPCURL = c.String("core-rpc-url")
	}
	if c.IsSet("ctn-contract-address") {
		cfg.CTNContractAddress = c.String("ctn-contract-address")
	}
	if c.IsSet("poll-interval") {
		cfg.PollInterval = c.Duration("poll-interval")
	}
	if c.IsSet("payment-window") {
		cfg.PaymentWindow = c.Duration("payment-window")
	}
	if c.IsSet("accept-unconfirmed") {
		cfg.AcceptUnconfirmed = c.Bool("accept-unconfirmed")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize gateway, with Core balances read from a node when one is configured
	client := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.FiatCurrency, cfg.GatewayCallbackURL, log)
	router := gateway.NewRouter(client)
	if cfg.CoreRPCURL != "" {
		core := gateway.NewGocore(cfg.CoreRPCURL, cfg.CTNContractAddress, log)
		if err := core.Run(); err != nil {
			return fmt.Errorf("failed to start blockchain service: %v", err)
		}
		defer core.Close()
		router.Route(core, "XCB", "CTN")
	}

	converter, err := conversion.NewService(client, cfg.RateCacheTTL, log)
	if err != nil {
		return fmt.Errorf("failed to initialize conversion service: %v", err)
	}
	defer converter.Close()

	// Initialize notificator
	var telegram, email notificator.Sender
	if cfg.TelegramBotToken != "" {
		tn, err := notificator.NewTelegramNotificator(ctx, log, cfg.TelegramBotToken, db)
		if err != nil {
			return fmt.Errorf("failed to initialize telegram notificator: %v", err)
		}
		telegram = tn
	}
	if cfg.SMTPEnabled() {
		email = notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender)
	}
	notifications := notificator.NewNotificator(log, db, telegram, email)

	m := metrics.New()

	// Create Solvo instance
	solvoApp := solvo.NewSolvo(solvo.Deps{
		Repo:          db,
		Gateway:       router,
		Converter:     converter,
		Locker:        db,
		Metrics:       m,
		Subscriptions: db,
		Bookings:      db,
		Notifier:      notifications,
	}, cfg, log)

	if err := solvoApp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start settlement engine: %v", err)
	}
	defer solvoApp.Stop()

	apiServer := http_api.NewHTTPServer(solvoApp, notifications, m.Handler(), cfg.APIPort, cfg.AdminAPIKey, log)
	go apiServer.Start()

	log.Info("Solvo started", "port", cfg.APIPort, "instance", cfg.InstanceID)
	<-ctx.Done()

	log.Info("Shutting down")
	if err := apiServer.Shutdown(); err != nil {
		log.Error("Failed to shut down HTTP server", "error", err)
	}
	return nil
}
