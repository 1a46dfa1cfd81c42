// The deal-room web server. Business routes (deals, clauses, customers)
// are served behind the realm gatekeeper; everything auth lives under
// internal/auth and is wired here once, at process start.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/middleware"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/session"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/store"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/token"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/totp"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/twofactor"
	"github.com/sergiomaldo/deal-room-sub001/internal/authhttp"
	"github.com/sergiomaldo/deal-room-sub001/internal/config"
	"github.com/sergiomaldo/deal-room-sub001/internal/logging"
	"github.com/sergiomaldo/deal-room-sub001/internal/mail"
	"github.com/sergiomaldo/deal-room-sub001/pkg/db"
	"github.com/sergiomaldo/deal-room-sub001/pkg/httpx"
)

// Compile-time checks that the pg stores satisfy their contracts.
var (
	_ auth.IdentityProvider = (*store.IdentityStore)(nil)
	_ token.Store           = (*store.TokenStore)(nil)
	_ twofactor.SecretStore = (*store.TwoFactorStore)(nil)
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(os.Getenv("DEALROOM_LOG_LEVEL"))

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	issuer := session.NewIssuer([]byte(cfg.AuthSecret), time.Duration(cfg.SessionTTLDays)*24*time.Hour)
	cookies := session.NewCookies(issuer, cfg.Production())
	ledger := token.NewLedger(store.NewTokenStore(pool), log)
	gate := twofactor.NewGate(store.NewTwoFactorStore(pool), totp.NewEngine(cfg.TOTPIssuer))

	var sender mail.Sender
	if cfg.SMTPHost != "" {
		sender = &mail.SMTPSender{
			Host: cfg.SMTPHost, Port: cfg.SMTPPort,
			Username: cfg.SMTPUsername, Password: cfg.SMTPPassword,
			From: cfg.SMTPFrom,
		}
	} else {
		sender = &mail.LogSender{Log: log}
	}

	r := chi.NewRouter()
	r.Use(logging.RequestLogger(log))
	r.Use(timeoutMiddleware(time.Duration(cfg.RequestTimeoutSec) * time.Second))
	r.Use(middleware.NewGatekeeper(issuer).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	for _, realm := range auth.Realms() {
		h := authhttp.New(authhttp.Options{
			Realm:       realm,
			Identities:  store.NewIdentityStore(pool, realm),
			Ledger:      ledger,
			Sessions:    issuer,
			Cookies:     cookies,
			Gate:        gate,
			Sender:      sender,
			Log:         log,
			BaseURL:     cfg.BaseURL,
			TokenTTL:    time.Duration(cfg.TokenTTLMinutes) * time.Minute,
			SigninRate:  rate.Limit(cfg.SigninRatePerMin / 60.0),
			SigninBurst: cfg.SigninBurst,
		})
		h.Mount(r)
	}

	// Protected application surface. The real page handlers render deals,
	// clauses and customers; the gatekeeper has already run by the time
	// any of these execute.
	r.Get("/", placeholder("dashboard"))
	r.Get("/admin", placeholder("admin-home"))
	r.Get("/admin/deals", placeholder("admin-deals"))
	r.Get("/supervise", placeholder("supervisor-home"))
	r.Get("/supervise/deals", placeholder("supervisor-deals"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("server started", "addr", srv.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func placeholder(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{"page": page})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
