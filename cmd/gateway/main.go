package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidcedge/app"
	"oidcedge/edge"
	"oidcedge/jwk"
)

func main() {
	configPath := flag.String("config", os.Getenv("OIDCEDGE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init', 'validate' or 'keys'")
	logLevel := flag.String("log-level", "", "Logging level (debug, info, warn, error); overrides logging.level")
	flag.StringVar(logLevel, "l", "", "Alias for -log-level")
	flag.Parse()

	configFile := *configPath
	if configFile == "" && flag.NArg() > 0 && flag.Arg(0) != "check" {
		configFile = flag.Arg(0)
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd == "init" {
		bootstrap, err := newLogger(*logLevel, "json", os.Stdout)
		if err != nil {
			log.Fatalf("invalid log level %q: %v", *logLevel, err)
		}
		if err := runConfigInit(configFile); err != nil {
			log.Fatalf("config init failed: %v", err)
		}
		bootstrap.Info("configuration initialized successfully", "path", configFile)
		return
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger, err := newLogger(level, cfg.Logging.Format, os.Stdout)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", level, err)
	}

	switch *configCmd {
	case "":
	case "validate":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		runConfigValidate(ctx, cfg, logger)
		logger.Info("configuration is valid", "path", configFile)
		return
	case "keys":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, keyring, err := app.ResolveProvider(ctx, cfg, &http.Client{Timeout: 10 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			log.Fatalf("load keys: %v", err)
		}
		printKeys(os.Stdout, keyring)
		return
	default:
		log.Fatalf("unknown config command %q. Use 'init', 'validate' or 'keys'", *configCmd)
	}

	if flag.Arg(0) == "check" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runCheck(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider check failed", "issuer", cfg.OIDC.Issuer, "error", err)
			os.Exit(1)
		}
		logger.Info("provider check succeeded", "issuer", cfg.OIDC.Issuer)
		return
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(startCtx, cfg, logger)
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.AdminListenAddr != "" {
		admin := &http.Server{
			Addr:         cfg.Server.AdminListenAddr,
			Handler:      application.AdminRoutes(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, admin.Shutdown)
		logger.Info("admin listening", "addr", cfg.Server.AdminListenAddr)
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server error", "error", err)
			}
		}()
	}

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func loadConfig(path string) (app.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return app.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return app.Config{}, fmt.Errorf("stat config: %w", err)
	}
	return app.LoadConfig(path)
}

// exampleConfig is written by -config-cmd=init. It uses discovery so no key
// material has to be pasted in.
func exampleConfig() app.Config {
	cfg := app.DefaultConfig()
	cfg.Origin.Target = "http://127.0.0.1:3000"
	cfg.OIDC.Issuer = "https://idp.example.com"
	cfg.OIDC.ClientID = "gateway"
	cfg.OIDC.RedirectURI = "http://127.0.0.1:8080/callback"
	cfg.OIDC.Discovery = true
	return cfg
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	return writeConfigFile(path, exampleConfig())
}

func writeConfigFile(path string, cfg app.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func runConfigValidate(ctx context.Context, cfg app.Config, logger *slog.Logger) {
	logger.Info("validating configuration URLs...")

	if err := validateURL(ctx, wellKnownURL(cfg.OIDC.Issuer)); err != nil {
		logger.Error("provider URL validation failed", "issuer", cfg.OIDC.Issuer, "error", err)
	} else {
		logger.Info("provider URL is accessible", "issuer", cfg.OIDC.Issuer)
	}

	if err := validateURL(ctx, cfg.Origin.Target); err != nil {
		logger.Error("origin URL validation failed", "target", cfg.Origin.Target, "error", err)
	} else {
		logger.Info("origin URL is accessible", "target", cfg.Origin.Target)
	}

	logger.Info("configuration validation complete")
}

func validateStartupURLs(ctx context.Context, cfg app.Config, logger *slog.Logger) {
	if !cfg.OIDC.Discovery {
		if err := validateURL(ctx, wellKnownURL(cfg.OIDC.Issuer)); err != nil {
			logger.Warn("provider URL may not be accessible",
				"issuer", cfg.OIDC.Issuer,
				"error", err,
				"note", "server will continue but token refresh may fail")
		}
	}
	if err := validateURL(ctx, cfg.Origin.Target); err != nil {
		logger.Warn("origin URL may not be accessible",
			"target", cfg.Origin.Target,
			"error", err,
			"note", "server will continue but proxied requests may fail")
	} else {
		logger.Debug("origin URL is accessible", "target", cfg.Origin.Target)
	}
}

func wellKnownURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// runCheck follows the login redirect a browser would get for "/" and
// reports whether the provider's login page is reachable.
func runCheck(ctx context.Context, cfg app.Config, logger *slog.Logger, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var endpoints app.Endpoints
	if cfg.OIDC.Discovery {
		var err error
		endpoints, err = app.Discover(ctx, cfg.OIDC.Issuer, client)
		if err != nil {
			return err
		}
	}
	oauth := edge.NewOAuthClient(cfg.EdgeConfig(endpoints), client, logger)
	authURL := oauth.AuthorizationURL(edge.AuthorizationState{URI: "/"})
	logger.Info("check.start", "auth_url", authURL)

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("check.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("check.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	return nil
}

func printKeys(w io.Writer, keyring *jwk.Keyring) {
	for _, e := range keyring.Entries() {
		fmt.Fprintf(w, "kid: %s\nthumbprint: %s\n%s\n", e.Kid, e.Thumbprint, e.PEM)
	}
}
