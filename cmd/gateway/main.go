package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MoLOS-App/MoLOS-sub002/internal/config"
	"github.com/MoLOS-App/MoLOS-sub002/internal/executor"
	"github.com/MoLOS-App/MoLOS-sub002/internal/gateway"
	"github.com/MoLOS-App/MoLOS-sub002/internal/oauth"
	"github.com/MoLOS-App/MoLOS-sub002/internal/ratelimit"
)

const ServiceVersion = "v1.0.0"

const (
	cleanupInterval      = 10 * time.Minute
	limiterSweepInterval = 60 * time.Second
	shutdownTimeout      = 15 * time.Second
)

func main() {
	config.LoadEnv(".env")
	setupLogging()

	cfgPath := os.Getenv("GATEWAY_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	gwCfg, err := config.LoadGatewayConfig(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load gateway config")
	}

	oauthCfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load oauth config")
	}

	store, err := oauth.NewStoreFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential store")
	}
	defer store.Close()

	keys, err := oauth.LoadKeyManagerFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load session signing key")
	}

	registry, err := executor.NewRegistry(gwCfg.ExecutorModules())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid module configuration")
	}

	exec, err := executor.NewAMQPExecutor(gwCfg.AMQPURL, registry, gwCfg.RPCTimeout.Std())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer exec.Close()

	// Trusted hosts may come from either the YAML config or the environment.
	oauthCfg.TrustedRedirectHosts = append(oauthCfg.TrustedRedirectHosts, gwCfg.TrustedRedirectHosts...)

	clients := oauth.NewClientRegistry(store, oauthCfg.TrustedRedirectHosts)
	codes := oauth.NewCodeService(store, oauthCfg.AuthCodeTTL)
	tokens := oauth.NewTokenService(store, oauthCfg.AccessTokenTTL, oauthCfg.RefreshTokenTTL)
	scopes := oauth.NewScopeMapper(registry)
	sessions := oauth.NewSessionVerifier(oauthCfg.Issuer, keys)
	authServer := oauth.NewServer(oauthCfg, clients, codes, tokens, scopes, store, sessions, keys)

	authenticator := gateway.NewAuthenticator(tokens, scopes, store)
	limits := ratelimit.NewPools(gwCfg.PoolsConfig())
	sessionManager := gateway.NewSessionManager()
	gw := gateway.New(authenticator, limits, sessionManager, exec, registry, gateway.ServerInfo{
		Name:    gwCfg.ServerName,
		Version: gwCfg.ServerVersion,
	})

	mux := http.NewServeMux()

	// OAuth authorization server
	mux.HandleFunc("/oauth/authorize", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			authServer.HandleAuthorizeDecision(w, r)
			return
		}
		authServer.HandleAuthorize(w, r)
	})
	mux.HandleFunc("/oauth/token", authServer.HandleToken)
	mux.HandleFunc("/oauth/register", authServer.HandleRegister)
	mux.HandleFunc("/oauth/revoke", authServer.HandleRevoke)
	mux.HandleFunc("/oauth/jwks", authServer.HandleJWKS)

	// Discovery
	mux.HandleFunc("/.well-known/oauth-authorization-server", authServer.HandleMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", authServer.HandleProtectedResourceMetadata)

	// MCP protocol surface
	mux.HandleFunc("/mcp", gw.HandleMCP)
	mux.HandleFunc("/sse", gw.HandleSSE)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    gwCfg.ListenAddr,
		Handler: corsMiddleware(mux),
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go runJanitor(janitorCtx, codes, tokens, limits)

	go func() {
		log.Info().Str("addr", gwCfg.ListenAddr).Str("version", ServiceVersion).
			Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	stopJanitor()
	sessionManager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// runJanitor sweeps expired codes and tokens and evicts idle rate-limiter
// identities. Sweeps are best-effort: failures are logged and retried on
// the next tick.
func runJanitor(ctx context.Context, codes *oauth.CodeService, tokens *oauth.TokenService, limits *ratelimit.Pools) {
	cleanupTicker := time.NewTicker(cleanupInterval)
	limiterTicker := time.NewTicker(limiterSweepInterval)
	defer cleanupTicker.Stop()
	defer limiterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			if n, err := codes.Cleanup(ctx); err != nil {
				log.Error().Err(err).Msg("code cleanup failed")
			} else if n > 0 {
				log.Debug().Int64("removed", n).Msg("expired authorization codes removed")
			}
			if n, err := tokens.Cleanup(ctx); err != nil {
				log.Error().Err(err).Msg("token cleanup failed")
			} else if n > 0 {
				log.Debug().Int64("removed", n).Msg("expired tokens removed")
			}
		case <-limiterTicker.C:
			limits.Cleanup()
		}
	}
}

func setupLogging() {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && os.Getenv("LOG_LEVEL") != "" {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("LOG_FORMAT") == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
