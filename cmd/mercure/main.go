// Command mercure runs the hub's HTTP server, or generates the JWK/JWT key
// material its deployments need, depending on the subcommand given.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap/zapcore"

	"github.com/mercurehub/hub/internal/auth"
	"github.com/mercurehub/hub/internal/buildinfo"
	"github.com/mercurehub/hub/internal/config"
	"github.com/mercurehub/hub/internal/hub"
	"github.com/mercurehub/hub/internal/logging"
	"github.com/mercurehub/hub/internal/metrics"
	"github.com/mercurehub/hub/internal/server"
	"github.com/mercurehub/hub/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mercure <serve|issue> ...")
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "issue":
		return runIssue(args[1:])
	case "version":
		fmt.Println(buildinfo.Info())
		return 0
	default:
		fmt.Fprintf(os.Stderr, "mercure: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runServe(args []string) int {
	logging.Init(zapcore.InfoLevel)
	defer logging.Sync()

	configFile, envFile, rest := extractServeFlags(args)

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logging.Warn("could not load env file", "path", envFile, "error", err)
		}
	}

	cfg, err := config.Load(config.Options{FilePath: configFile, Args: rest})
	if err != nil {
		logging.Error("configuration failed", "error", err)
		return 2
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		logging.Error("could not build transport", "error", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		logging.Error("transport connect failed", "error", err)
		return 1
	}

	h := hub.New(tr)
	defer h.Close()

	verifier := auth.NewVerifier(cfg.AuthOptions())
	if err := verifier.Prefetch(); err != nil {
		logging.Error("jwk prefetch failed", "error", err)
		return 2
	}

	metrics.RegisterDefault()

	srv := server.New(cfg, h, verifier)
	srv.SetReady(true)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("metrics listener failed", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()

	logging.Info("mercure hub listening", "addr", cfg.Addr, "transport", tr.Protocol())

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logging.Error("serve failed", "error", err)
			return 1
		}
		return 0
	case s := <-sig:
		logging.Info("shutting down", "signal", s.String())
		srv.SetReady(false)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		cancel() // ends every in-flight request context, so SSE streams close
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("shutdown failed", "error", err)
		}
		if err := tr.Close(); err != nil {
			logging.Error("transport close failed", "error", err)
		}
		if s == syscall.SIGINT {
			return 130
		}
		return 143
	}
}

// extractServeFlags pulls -config and -env-file out of args before the rest
// is handed to config.Load, whose own flag set resolves every documented
// Configuration field and does not know these two: they govern where Load
// looks, not a value Load itself resolves.
func extractServeFlags(args []string) (configFile, envFile string, rest []string) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") {
			rest = append(rest, arg)
			continue
		}
		switch name {
		case "config", "env-file":
			if !hasValue {
				if i+1 < len(args) {
					i++
					value = args[i]
				}
			}
			if name == "config" {
				configFile = value
			} else {
				envFile = value
			}
		default:
			rest = append(rest, arg)
		}
	}
	return configFile, envFile, rest
}

// buildTransport dispatches on the TransportURL scheme to the matching
// adapter: memory:// needs nothing further, redis:// and postgres:// each
// build their own client from the DSN.
func buildTransport(cfg *config.Configuration) (transport.Transport, error) {
	u, err := url.Parse(cfg.TransportURL)
	if err != nil {
		return nil, fmt.Errorf("parse transport url: %w", err)
	}

	switch u.Scheme {
	case "", "memory":
		return transport.NewMemoryTransport(cfg.TransportMemorySize), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(cfg.TransportURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return transport.NewRedisTransport(redis.NewClient(opts), transport.RedisOptions{}), nil
	case "postgres", "postgresql":
		pool, err := pgxpool.New(context.Background(), cfg.TransportURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return transport.NewPostgresTransport(pool), nil
	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", u.Scheme)
	}
}

func runIssue(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mercure issue <jwk|jwt> ...")
		return 2
	}
	switch args[0] {
	case "jwk":
		return runIssueJWK(args[1:])
	case "jwt":
		return runIssueJWT(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "mercure: unknown issue subcommand %q\n", args[0])
		return 2
	}
}

func runIssueJWK(args []string) int {
	fs := flag.NewFlagSet("issue jwk", flag.ContinueOnError)
	alg := fs.String("alg", "HS256", "key algorithm: HS256 or RS256")
	b64 := fs.Bool("base64", false, "prefix symmetric output with base64: for MERCURE_JWK")
	bits := fs.Int("bits", 2048, "RSA key size in bits, for -alg RS256")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	switch strings.ToUpper(*alg) {
	case "HS256":
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Printf("issue jwk: %v", err)
			return 1
		}
		encoded := base64.StdEncoding.EncodeToString(secret)
		if *b64 {
			fmt.Println("base64:" + encoded)
		} else {
			fmt.Println(string(secret))
		}
		return 0
	case "RS256":
		key, err := rsa.GenerateKey(rand.Reader, *bits)
		if err != nil {
			log.Printf("issue jwk: %v", err)
			return 1
		}
		doc := struct {
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
			D   string `json:"d"`
		}{
			Kty: "RSA",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(bigIntBytes(int64(key.PublicKey.E))),
			D:   base64.RawURLEncoding.EncodeToString(key.D.Bytes()),
		}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			log.Printf("issue jwk: %v", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	default:
		fmt.Fprintf(os.Stderr, "issue jwk: unsupported -alg %q\n", *alg)
		return 2
	}
}

func runIssueJWT(args []string) int {
	fs := flag.NewFlagSet("issue jwt", flag.ContinueOnError)
	secretFlag := fs.String("key", "", "symmetric signing key; generated if empty")
	publish := fs.String("publish", "", "comma-separated publish topic selectors")
	subscribe := fs.String("subscribe", "", "comma-separated subscribe topic selectors")
	payload := fs.String("payload", "", "opaque JSON payload for the mercure claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	secret := []byte(*secretFlag)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Printf("issue jwt: %v", err)
			return 1
		}
		log.Printf("issue jwt: generated signing key base64:%s", base64.StdEncoding.EncodeToString(secret))
	}

	claim := struct {
		Publish   []string        `json:"publish,omitempty"`
		Subscribe []string        `json:"subscribe,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}{
		Publish:   splitNonEmpty(*publish),
		Subscribe: splitNonEmpty(*subscribe),
	}
	if *payload != "" {
		claim.Payload = json.RawMessage(*payload)
	}

	claims := struct {
		jwt.RegisteredClaims
		Mercure any `json:"mercure"`
	}{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(*ttl)),
		},
		Mercure: claim,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		log.Printf("issue jwt: %v", err)
		return 1
	}
	fmt.Println(signed)
	return 0
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func bigIntBytes(n int64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return b
}
