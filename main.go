package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EFForg/newsletter-backend/admission"
	"github.com/EFForg/newsletter-backend/api"
	"github.com/EFForg/newsletter-backend/config"
	"github.com/EFForg/newsletter-backend/db"
	"github.com/EFForg/newsletter-backend/dispatch"
	"github.com/EFForg/newsletter-backend/email"
	"github.com/EFForg/newsletter-backend/logging"
	"github.com/EFForg/newsletter-backend/models"
	"github.com/EFForg/newsletter-backend/requestlog"
	"github.com/EFForg/newsletter-backend/signing"
	"github.com/EFForg/newsletter-backend/util"
)

func newRouter(a *api.API) chi.Router {
	r := chi.NewRouter()
	r.Use(metricsHandler)
	a.RegisterHandlers(r)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func denylist(cfg config.NewsletterConfig) models.DomainDenylist {
	if cfg.BlockDisposableEmails {
		return models.NewDomainDenylist(models.DisposableDomains, cfg.CustomBlockedDomains)
	}
	return models.NewDomainDenylist(cfg.CustomBlockedDomains)
}

func serve(ctx context.Context, cfg *config.Config, database *db.SQLDatabase) error {
	baseURL := cfg.NewsletterBaseURL()
	signer := signing.NewHMACSigner([]byte(cfg.Newsletter.SigningKey))
	links := signing.Links{Signer: signer, BaseURL: baseURL, ConfirmTTL: cfg.Newsletter.ConfirmationTTL}

	mailer, err := email.MakeConfig(email.Settings{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Website:  baseURL,
	}, database, links)
	if err != nil {
		return fmt.Errorf("configuring email: %w", err)
	}
	if cfg.SMTP.Host == "" {
		logging.Warn().Msg("no SMTP host configured, emails will only be logged")
	}

	dispatcher, err := dispatch.New(database, mailer, dispatch.Config{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Timeout:     cfg.Jobs.Timeout,
		RetryDelay:  cfg.Jobs.RetryDelay,
		AdminEmail:  cfg.Newsletter.AdminNotificationEmail,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	requestLogger := requestlog.New(database, cfg.RequestLog.Buffer, cfg.RequestLog.MaskIPAddresses)
	pruner := &requestlog.Pruner{
		Store:     database,
		Retention: time.Duration(cfg.RequestLog.RetentionDays) * 24 * time.Hour,
		Interval:  cfg.RequestLog.PruneInterval,
	}

	a := &api.API{
		Database: database,
		Admission: admission.New(database, requestLogger, admission.Options{
			LookupTimeout:   cfg.Admission.LookupTimeout,
			SubscribeRate:   cfg.RateLimit.Subscribe,
			UnsubscribeRate: cfg.RateLimit.Unsubscribe,
			Window:          cfg.RateLimit.Window,
		}),
		Queue:           dispatcher,
		Signer:          signer,
		Links:           links,
		Denylist:        denylist(cfg.Newsletter),
		SESAuthorizeKey: cfg.SES.AuthorizeKey,
		BaseURL:         baseURL,
	}
	if err := a.ParseTemplates(); err != nil {
		return err
	}

	addr, err := util.ValidPort(cfg.Server.Port)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           middleware(newRouter(a), cfg.Server.TrustProxyHeaders),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := newSupervisor(cfg.Server.ShutdownTimeout)
	sup.Add(namedService{name: "dispatcher", serve: dispatcher.Serve})
	sup.Add(namedService{name: "request-log", serve: requestLogger.Serve})
	sup.Add(namedService{name: "request-log-pruner", serve: pruner.Serve})
	errCh := sup.ServeBackground(ctx)

	// Jobs published before the workers subscribe would be dropped.
	select {
	case <-dispatcher.Running():
	case err := <-errCh:
		return err
	}
	sup.Add(&httpService{server: server, shutdownTimeout: cfg.Server.ShutdownTimeout})
	logging.Info().Str("addr", server.Addr).Str("base_url", baseURL).Msg("listening")

	err = <-errCh
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Logging)
	if cfg.Sentry.DSN != "" {
		if err := raven.SetDSN(cfg.Sentry.DSN); err != nil {
			return fmt.Errorf("configuring sentry: %w", err)
		}
	}

	database, err := db.InitSQLDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	if len(os.Args) > 1 {
		return runTask(ctx, database, os.Args[1], os.Args[2:], os.Stdout)
	}
	return serve(ctx, cfg, database)
}

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("exiting")
		raven.CaptureErrorAndWait(err, nil)
		os.Exit(1)
	}
}
