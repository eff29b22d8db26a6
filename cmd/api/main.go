package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/careersync/identity/internal/config"
	"github.com/careersync/identity/internal/httpapi"
	"github.com/careersync/identity/internal/identity"
	"github.com/careersync/identity/internal/idp/keycloak"
	"github.com/careersync/identity/internal/obs"
	"github.com/careersync/identity/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	idp, err := keycloak.New(keycloak.Config{
		BaseURL:      cfg.KeycloakBaseURL,
		Realm:        cfg.KeycloakRealm,
		ClientID:     cfg.KeycloakClientID,
		ClientSecret: cfg.KeycloakClientSecret,
	})
	if err != nil {
		log.Fatalf("keycloak: %v", err)
	}

	var (
		users  identity.UserStore
		tokens identity.TokenStore
		audits identity.AuditStore
		probe  httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		users, tokens, audits = store, store, store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		// No DSN means an ephemeral in-memory store. Useful for local
		// development against a throwaway realm, never for production.
		log.Println("IDENTITY_PG_DSN is not set, using in-memory storage")
		mem := identity.NewInMemory()
		users, tokens, audits = mem, mem, mem
	}

	svc, err := identity.NewService(idp, users, tokens,
		identity.NewRecorder(audits, nil),
		identity.WithClientID(cfg.KeycloakClientID),
		identity.WithTokenHasher(identity.NewHMACHasher([]byte(cfg.TokenHashKey))),
		identity.WithProviderLimit(cfg.ProviderRPS, cfg.ProviderBurst),
	)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	sweeper := identity.NewSweeper(svc, cfg.SweepInterval, nil)
	if cfg.SweepEnabled {
		sweeper.Start()
		defer sweeper.Stop()
	}

	api := httpapi.New(httpapi.Config{
		Service:      svc,
		Authn:        idp,
		ReadyProbe:   probe,
		Version:      version,
		BodyLimit:    cfg.RequestBodyLimit,
		RatePerMin:   cfg.RateLimitPerMin,
		SweepTrigger: sweeper.RunOnce,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting careersync-identity %s on %s (env %s)", version, srv.Addr, cfg.Env)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
