package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"raffle/internal/config"
	"raffle/internal/handlers"
	"raffle/internal/models"
	"raffle/internal/observability"
	"raffle/internal/services"
	"raffle/internal/store"
)

func main() {
	// 1. Load configuration and initialize logging
	cfg := config.Load()

	closeLog, err := initLogging(cfg.LogFile, cfg.Verbose)
	if err != nil {
		logger.Fatalf("Failed to open log file: %v", err)
	}
	defer closeLog()

	// 2. Open the record store
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	// 4. Services
	payments := services.NewPaymentService(services.PaymentConfig{
		AccessToken: cfg.MPAccessToken,
		BaseURL:     cfg.MPBaseURL,
		PublicURL:   cfg.WebhookURL,
		FallbackURL: cfg.PaymentFallbackURL,
		RaffleName:  cfg.RaffleName,
		Timeout:     cfg.NetworkTimeout,
	}, st, metrics)

	dispatcher := services.NewDispatcher(st,
		models.Templates{Email: cfg.EmailTemplate, Messaging: cfg.MessagingTemplate},
		metrics,
		services.NewEmailChannel(cfg.SMTPServer, cfg.SMTPPort, cfg.SMTPEmail, cfg.SMTPPassword, cfg.NetworkTimeout),
		services.NewWhatsAppChannel(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom, cfg.TwilioBaseURL, cfg.NetworkTimeout),
	)

	resolver := services.NewDrawResolver(services.DrawResolverConfig{
		URL:      cfg.DrawResultURL,
		CacheTTL: cfg.DrawCacheTTL,
		Timeout:  cfg.NetworkTimeout,
	}, metrics)

	settlement := services.NewSettlementService(st, st, dispatcher, resolver, cfg.PrizeLabel, metrics)
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			logger.Errorf("Telegram reporter disabled: %v", err)
		} else {
			logger.Infof("Reporting draws to Telegram as @%s", bot.Self.UserName)
			settlement.WithReporter(services.NewTelegramReporter(bot, cfg.TelegramChatID))
		}
	}

	backups := services.NewBackupService(cfg.BackupDir, cfg.BackupKeep, cfg.RaffleName, st, dispatcher, metrics)
	raffle := services.NewRaffleService(st, payments, cfg.TicketAmount, metrics).
		WithReminders(dispatcher).
		WithBackups(backups)

	// 5. Background jobs
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler, err := services.NewScheduler(services.SchedulerConfig{
		BackupSchedule: cfg.BackupSchedule,
		AutoSettle:     cfg.AutoSettle,
		DrawGrace:      cfg.DrawGrace,
	}, backups, settlement)
	if err != nil {
		logger.Fatalf("Failed to configure scheduler: %v", err)
	}
	scheduler.Start(ctx)

	// 6. HTTP handler and router
	httpHandler := handlers.NewHTTPHandler(handlers.Deps{
		Raffle:            raffle,
		Payments:          payments,
		Settlement:        settlement,
		Resolver:          resolver,
		Dispatcher:        dispatcher,
		Backups:           backups,
		Transfer:          services.NewStateTransfer(backups),
		Gatherer:          reg,
		RaffleName:        cfg.RaffleName,
		RaffleDescription: cfg.RaffleDescription,
		AdminUser:         cfg.AdminUser,
		AdminPass:         cfg.AdminPass,
	})

	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	httpHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Run the server until interrupted
	go func() {
		logger.Infof("Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to run server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	scheduler.Stop(shutdownCtx)
}
