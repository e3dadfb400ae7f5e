// Command server serves the static routes, metrics and login flow described
// by a sedate.yaml file, on either net/http or fasthttp.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mnehpets/sedate/auth"
	"github.com/mnehpets/sedate/config"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/fastendpoint"
	"github.com/mnehpets/sedate/metrics"
	"github.com/mnehpets/sedate/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to sedate.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := slog.Default()
	opts := []endpoint.Option{
		endpoint.WithLogger(logger),
		endpoint.WithTimeout(cfg.Server.RequestTimeout),
		endpoint.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		opts = append(opts, endpoint.WithMetrics(metrics.New(reg)))
	}

	// Routes that only run on net/http. The fasthttp engine reaches them
	// through an adaptor.
	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler(reg))
	}
	if cfg.AuthEnabled() {
		flow, err := newFlow(cfg, opts)
		if err != nil {
			return err
		}
		mux.Handle(strings.TrimRight(cfg.Auth.BasePath, "/")+"/", flow)
		slog.Info("login flow enabled", "issuer", cfg.Auth.Issuer, "base_path", cfg.Auth.BasePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Server.Engine {
	case "fasthttp":
		return serveFast(ctx, cfg, mux, opts)
	default:
		cfg.Mount(mux, opts...)
		return serve(ctx, cfg, mux)
	}
}

func newFlow(cfg *config.Config, opts []endpoint.Option) (*auth.Flow, error) {
	keys, err := cfg.Cookies.CookieKeys()
	if err != nil {
		return nil, err
	}
	registry := auth.NewRegistry()
	redirectURL := strings.TrimRight(cfg.Auth.PublicURL, "/") + strings.TrimRight(cfg.Auth.BasePath, "/") + "/callback/oidc"
	err = registry.RegisterOIDCProvider(context.Background(), "oidc",
		cfg.Auth.Issuer, cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.Scopes, redirectURL)
	if err != nil {
		return nil, fmt.Errorf("register OIDC provider: %w", err)
	}
	cookieOpts := []middleware.SecureCookieOption{middleware.WithSecure(cfg.Cookies.Secure)}
	if cfg.Cookies.Domain != "" {
		cookieOpts = append(cookieOpts, middleware.WithDomain(cfg.Cookies.Domain))
	}
	return auth.NewFlow(registry, auth.DefaultCookieName, cfg.Cookies.KeyID, keys, cfg.Auth.PublicURL, cfg.Auth.BasePath,
		auth.WithCookieOptions(cookieOpts...),
		auth.WithEndpointOptions(opts...),
	)
}

func serve(ctx context.Context, cfg *config.Config, h http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "engine", "nethttp", "static_routes", len(cfg.Static))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// serveFast routes static routes by exact method and path. Patterns with
// wildcards need net/http.
func serveFast(ctx context.Context, cfg *config.Config, mux *http.ServeMux, opts []endpoint.Option) error {
	routes := make(map[string]fasthttp.RequestHandler, len(cfg.Static))
	for _, r := range cfg.Static {
		method, path, ok := strings.Cut(r.Pattern, " ")
		if !ok {
			method, path = "", r.Pattern
		}
		if strings.Contains(path, "{") {
			slog.Warn("skipping wildcard static route on fasthttp", "pattern", r.Pattern)
			continue
		}
		routes[method+" "+path] = fastendpoint.HandlerFunc(r.Chain(), opts...)
	}
	fallback := fasthttpadaptor.NewFastHTTPHandler(mux)

	srv := &fasthttp.Server{
		Handler: func(fctx *fasthttp.RequestCtx) {
			path := string(fctx.Path())
			if h, ok := routes[string(fctx.Method())+" "+path]; ok {
				h(fctx)
				return
			}
			if h, ok := routes[" "+path]; ok {
				h(fctx)
				return
			}
			fallback(fctx)
		},
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		MaxRequestBodySize: int(cfg.Server.MaxBodyBytes),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "engine", "fasthttp", "static_routes", len(routes))
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully")
		return srv.Shutdown()
	case err := <-errCh:
		return err
	}
}
