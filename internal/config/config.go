// Package config resolves the hub's Configuration from four layers, in
// ascending precedence: compiled-in defaults, an optional YAML file,
// MERCURE_* environment variables, and command-line flags.
package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mercurehub/hub/internal/auth"
)

// Source tags where a field's effective value came from, for diagnostics.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Configuration is the fully-resolved, immutable process configuration.
// Field tags double as both YAML keys and the suffix of their MERCURE_*
// environment variable (upper-snake-cased).
type Configuration struct {
	Addr          string `yaml:"addr" validate:"required"`
	MetricsAddr   string `yaml:"metricsAddr"`
	TransportURL  string `yaml:"transportUrl" validate:"required"`

	JWK               string `yaml:"jwk"`
	PublisherJWK      string `yaml:"publisherJwk"`
	SubscriberJWK     string `yaml:"subscriberJwk"`
	JWKSURL           string `yaml:"jwksUrl"`
	PublisherJWKSURL  string `yaml:"publisherJwksUrl"`
	SubscriberJWKSURL string `yaml:"subscriberJwksUrl"`

	AnonymousAccess               bool          `yaml:"anonymousAccess"`
	AllowedOrigins                []string      `yaml:"allowedOrigins"`
	CookieName                    string        `yaml:"cookieName"`
	SubscriptionQueryParamEnabled bool          `yaml:"subscriptionQueryParamEnabled"`
	HeartbeatInterval             time.Duration `yaml:"heartbeatInterval"`
	ShutdownTimeout               time.Duration `yaml:"shutdownTimeout"`

	PublishRateLimit    float64 `yaml:"publishRateLimit"`
	PublishRateBurst    int     `yaml:"publishRateBurst"`
	TransportMemorySize int     `yaml:"transportMemorySize" validate:"min=0"`
	MaxTopicsPerSub     int     `yaml:"maxTopicsPerSubscription" validate:"min=0"`
	MaxSubscribers      int     `yaml:"maxSubscribers" validate:"min=0"`

	// provenance, keyed by yaml tag name; not itself configurable.
	provenance map[string]Source
}

// Provenance reports which layer set field (by its yaml tag name).
func (c *Configuration) Provenance(field string) Source {
	if s, ok := c.provenance[field]; ok {
		return s
	}
	return SourceDefault
}

func defaults() Configuration {
	return Configuration{
		Addr:                "127.0.0.1:3000",
		MetricsAddr:         "127.0.0.1:3001",
		TransportURL:        "memory://",
		CookieName:          "mercureAuthorization",
		HeartbeatInterval:   15 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		PublishRateLimit:    0, // 0 = unlimited
		PublishRateBurst:    10,
		TransportMemorySize: 1000,
		MaxTopicsPerSub:     0,
		MaxSubscribers:      0,
		provenance:          map[string]Source{},
	}
}

// Options controls where Load looks for layered input.
type Options struct {
	// FilePath, if non-empty, is a YAML file merged over the defaults.
	FilePath string
	// Args are the command-line arguments to parse as flags, excluding the
	// program name (typically os.Args[1:]).
	Args []string
	// Environ overrides os.Environ for testing; nil means use the process
	// environment.
	Environ []string
}

// Load resolves a Configuration from defaults, an optional file, the
// environment, and flags, then validates it. A validation failure is
// returned as *ValidationError.
func Load(opts Options) (*Configuration, error) {
	cfg := defaults()

	if opts.FilePath != "" {
		if err := mergeFile(&cfg, opts.FilePath); err != nil {
			return nil, fmt.Errorf("config: load file: %w", err)
		}
	}

	env := opts.Environ
	if env == nil {
		env = os.Environ()
	}
	if err := mergeEnv(&cfg, env); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if err := mergeFlags(&cfg, opts.Args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError wraps a go-playground/validator failure with the
// configuration-is-fatal-at-startup semantics the CLI needs for exit code 2.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return "config: invalid configuration: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func validate(cfg *Configuration) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return &ValidationError{Err: err}
	}
	if err := validateKeyGroups(cfg); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// validateKeyGroups enforces the mutual-exclusion rule on key material: at
// most one of {jwk}, {publisherJwk, subscriberJwk}, {jwksUrl},
// {publisherJwksUrl, subscriberJwksUrl} may be set, and at least one group
// must be set unless anonymousAccess covers every subscriber.
func validateKeyGroups(cfg *Configuration) error {
	groups := 0
	if cfg.JWK != "" {
		groups++
	}
	if cfg.PublisherJWK != "" || cfg.SubscriberJWK != "" {
		groups++
	}
	if cfg.JWKSURL != "" {
		groups++
	}
	if cfg.PublisherJWKSURL != "" || cfg.SubscriberJWKSURL != "" {
		groups++
	}
	if groups > 1 {
		return fmt.Errorf("exactly one key-material group may be configured, found %d", groups)
	}
	if groups == 0 && !cfg.AnonymousAccess {
		return fmt.Errorf("no key material configured and anonymousAccess is false: no token could ever verify")
	}
	return nil
}

func mergeFile(cfg *Configuration, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fromFile Configuration
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return err
	}
	mergeNonZero(cfg, &fromFile, SourceFile)
	return nil
}

// mergeEnv applies MERCURE_<UPPER_SNAKE> overrides, honoring <NAME>_FILE
// indirection and base64:-prefixed values on key-material fields.
func mergeEnv(cfg *Configuration, environ []string) error {
	lookup := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			lookup[kv[:idx]] = kv[idx+1:]
		}
	}

	resolve := func(name string) (string, bool, error) {
		key := "MERCURE_" + name
		if v, ok := lookup[key+"_FILE"]; ok {
			data, err := os.ReadFile(v)
			if err != nil {
				return "", false, fmt.Errorf("%s_FILE: %w", key, err)
			}
			return strings.TrimSpace(string(data)), true, nil
		}
		v, ok := lookup[key]
		return v, ok, nil
	}

	setString := func(field *string, name string, decodeBase64 bool) error {
		v, ok, err := resolve(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if decodeBase64 && strings.HasPrefix(v, "base64:") {
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, "base64:"))
			if err != nil {
				return fmt.Errorf("%s: invalid base64: %w", name, err)
			}
			v = string(decoded)
		}
		*field = v
		cfg.provenance[name] = SourceEnv
		return nil
	}
	setBool := func(field *bool, name string) error {
		v, ok, err := resolve(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = b
		cfg.provenance[name] = SourceEnv
		return nil
	}
	setInt := func(field *int, name string) error {
		v, ok, err := resolve(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = n
		cfg.provenance[name] = SourceEnv
		return nil
	}
	setFloat := func(field *float64, name string) error {
		v, ok, err := resolve(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = f
		cfg.provenance[name] = SourceEnv
		return nil
	}
	setDuration := func(field *time.Duration, name string) error {
		v, ok, err := resolve(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = d
		cfg.provenance[name] = SourceEnv
		return nil
	}
	setList := func(field *[]string, name string) error {
		v, ok, err := resolve(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		*field = strings.Split(v, ",")
		cfg.provenance[name] = SourceEnv
		return nil
	}

	for _, step := range []func() error{
		func() error { return setString(&cfg.Addr, "ADDR", false) },
		func() error { return setString(&cfg.MetricsAddr, "METRICS_ADDR", false) },
		func() error { return setString(&cfg.TransportURL, "TRANSPORT_URL", false) },
		func() error { return setString(&cfg.JWK, "JWK", true) },
		func() error { return setString(&cfg.PublisherJWK, "PUBLISHER_JWK", true) },
		func() error { return setString(&cfg.SubscriberJWK, "SUBSCRIBER_JWK", true) },
		func() error { return setString(&cfg.JWKSURL, "JWKS_URL", false) },
		func() error { return setString(&cfg.PublisherJWKSURL, "PUBLISHER_JWKS_URL", false) },
		func() error { return setString(&cfg.SubscriberJWKSURL, "SUBSCRIBER_JWKS_URL", false) },
		func() error { return setBool(&cfg.AnonymousAccess, "ANONYMOUS_ACCESS") },
		func() error { return setList(&cfg.AllowedOrigins, "ALLOWED_ORIGINS") },
		func() error { return setString(&cfg.CookieName, "COOKIE_NAME", false) },
		func() error {
			return setBool(&cfg.SubscriptionQueryParamEnabled, "SUBSCRIPTION_QUERY_PARAM_ENABLED")
		},
		func() error { return setDuration(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL") },
		func() error { return setDuration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT") },
		func() error { return setFloat(&cfg.PublishRateLimit, "PUBLISH_RATE_LIMIT") },
		func() error { return setInt(&cfg.PublishRateBurst, "PUBLISH_RATE_BURST") },
		func() error { return setInt(&cfg.TransportMemorySize, "TRANSPORT_MEMORY_SIZE") },
		func() error { return setInt(&cfg.MaxTopicsPerSub, "MAX_TOPICS_PER_SUBSCRIPTION") },
		func() error { return setInt(&cfg.MaxSubscribers, "MAX_SUBSCRIBERS") },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	// Provenance is keyed by yaml tag name; rekey the upper-snake env names
	// recorded above (MAX_TOPICS_PER_SUBSCRIPTION -> maxTopicsPerSubscription).
	for name, src := range cfg.provenance {
		if src != SourceEnv || strings.ToUpper(name) != name {
			continue
		}
		parts := strings.Split(strings.ToLower(name), "_")
		for i := 1; i < len(parts); i++ {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
		delete(cfg.provenance, name)
		cfg.provenance[strings.Join(parts, "")] = SourceEnv
	}
	return nil
}

func mergeFlags(cfg *Configuration, args []string) error {
	fs := flag.NewFlagSet("mercure", flag.ContinueOnError)

	addr := fs.String("addr", cfg.Addr, "address to listen on for the public hub")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "address to listen on for /metrics")
	transportURL := fs.String("transport-url", cfg.TransportURL, "transport DSN: memory://, redis://..., or postgres://...")
	jwk := fs.String("jwk", cfg.JWK, "symmetric key or shared secret verifying both publish and subscribe tokens")
	publisherJWK := fs.String("publisher-jwk", cfg.PublisherJWK, "symmetric key verifying publish tokens only")
	subscriberJWK := fs.String("subscriber-jwk", cfg.SubscriberJWK, "symmetric key verifying subscribe tokens only")
	jwksURL := fs.String("jwks-url", cfg.JWKSURL, "JWK-Set URL verifying both publish and subscribe tokens")
	publisherJWKSURL := fs.String("publisher-jwks-url", cfg.PublisherJWKSURL, "JWK-Set URL verifying publish tokens only")
	subscriberJWKSURL := fs.String("subscriber-jwks-url", cfg.SubscriberJWKSURL, "JWK-Set URL verifying subscribe tokens only")
	anonymous := fs.Bool("anonymous-access", cfg.AnonymousAccess, "allow subscriptions without a token")
	allowedOrigins := fs.String("allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "comma-separated CORS origins, or * for any")
	cookieName := fs.String("cookie-name", cfg.CookieName, "cookie name carrying the Mercure Authorization token")
	subscriptionQueryParam := fs.Bool("subscription-query-param-enabled", cfg.SubscriptionQueryParamEnabled, "allow the authorization token on the subscribe request as a query parameter")
	heartbeatInterval := fs.Duration("heartbeat-interval", cfg.HeartbeatInterval, "interval between SSE comment heartbeats, 0 disables them")
	shutdownTimeout := fs.Duration("shutdown-timeout", cfg.ShutdownTimeout, "grace period for in-flight subscriptions to drain on shutdown")
	publishRateLimit := fs.Float64("publish-rate-limit", cfg.PublishRateLimit, "sustained publishes per second per token, 0 means unlimited")
	publishRateBurst := fs.Int("publish-rate-burst", cfg.PublishRateBurst, "burst size for publish-rate-limit")
	transportMemorySize := fs.Int("transport-memory-size", cfg.TransportMemorySize, "ring buffer size for the in-memory transport")
	maxTopicsPerSub := fs.Int("max-topics-per-subscription", cfg.MaxTopicsPerSub, "maximum topic selectors accepted on a single subscribe request, 0 means unlimited")
	maxSubscribers := fs.Int("max-subscribers", cfg.MaxSubscribers, "maximum concurrently connected subscribers, 0 means unlimited")

	if err := fs.Parse(args); err != nil {
		return err
	}

	touched := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { touched[f.Name] = true })

	if touched["addr"] {
		cfg.Addr = *addr
		cfg.provenance["addr"] = SourceFlag
	}
	if touched["metrics-addr"] {
		cfg.MetricsAddr = *metricsAddr
		cfg.provenance["metricsAddr"] = SourceFlag
	}
	if touched["transport-url"] {
		cfg.TransportURL = *transportURL
		cfg.provenance["transportUrl"] = SourceFlag
	}
	if touched["jwk"] {
		cfg.JWK = *jwk
		cfg.provenance["jwk"] = SourceFlag
	}
	if touched["publisher-jwk"] {
		cfg.PublisherJWK = *publisherJWK
		cfg.provenance["publisherJwk"] = SourceFlag
	}
	if touched["subscriber-jwk"] {
		cfg.SubscriberJWK = *subscriberJWK
		cfg.provenance["subscriberJwk"] = SourceFlag
	}
	if touched["jwks-url"] {
		cfg.JWKSURL = *jwksURL
		cfg.provenance["jwksUrl"] = SourceFlag
	}
	if touched["publisher-jwks-url"] {
		cfg.PublisherJWKSURL = *publisherJWKSURL
		cfg.provenance["publisherJwksUrl"] = SourceFlag
	}
	if touched["subscriber-jwks-url"] {
		cfg.SubscriberJWKSURL = *subscriberJWKSURL
		cfg.provenance["subscriberJwksUrl"] = SourceFlag
	}
	if touched["anonymous-access"] {
		cfg.AnonymousAccess = *anonymous
		cfg.provenance["anonymousAccess"] = SourceFlag
	}
	if touched["allowed-origins"] {
		cfg.AllowedOrigins = strings.Split(*allowedOrigins, ",")
		cfg.provenance["allowedOrigins"] = SourceFlag
	}
	if touched["cookie-name"] {
		cfg.CookieName = *cookieName
		cfg.provenance["cookieName"] = SourceFlag
	}
	if touched["subscription-query-param-enabled"] {
		cfg.SubscriptionQueryParamEnabled = *subscriptionQueryParam
		cfg.provenance["subscriptionQueryParamEnabled"] = SourceFlag
	}
	if touched["heartbeat-interval"] {
		cfg.HeartbeatInterval = *heartbeatInterval
		cfg.provenance["heartbeatInterval"] = SourceFlag
	}
	if touched["shutdown-timeout"] {
		cfg.ShutdownTimeout = *shutdownTimeout
		cfg.provenance["shutdownTimeout"] = SourceFlag
	}
	if touched["publish-rate-limit"] {
		cfg.PublishRateLimit = *publishRateLimit
		cfg.provenance["publishRateLimit"] = SourceFlag
	}
	if touched["publish-rate-burst"] {
		cfg.PublishRateBurst = *publishRateBurst
		cfg.provenance["publishRateBurst"] = SourceFlag
	}
	if touched["transport-memory-size"] {
		cfg.TransportMemorySize = *transportMemorySize
		cfg.provenance["transportMemorySize"] = SourceFlag
	}
	if touched["max-topics-per-subscription"] {
		cfg.MaxTopicsPerSub = *maxTopicsPerSub
		cfg.provenance["maxTopicsPerSubscription"] = SourceFlag
	}
	if touched["max-subscribers"] {
		cfg.MaxSubscribers = *maxSubscribers
		cfg.provenance["maxSubscribers"] = SourceFlag
	}
	return nil
}

// mergeNonZero copies every non-zero field of src into dst, recording
// provenance. Used for the file layer, where yaml.Unmarshal leaves
// unspecified fields at their Go zero value, indistinguishable from "set to
// zero" — an accepted limitation for scalar fields, documented as an Open
// Question resolution.
func mergeNonZero(dst, src *Configuration, source Source) {
	if src.Addr != "" {
		dst.Addr, dst.provenance["addr"] = src.Addr, source
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr, dst.provenance["metricsAddr"] = src.MetricsAddr, source
	}
	if src.TransportURL != "" {
		dst.TransportURL, dst.provenance["transportUrl"] = src.TransportURL, source
	}
	if src.JWK != "" {
		dst.JWK, dst.provenance["jwk"] = src.JWK, source
	}
	if src.PublisherJWK != "" {
		dst.PublisherJWK, dst.provenance["publisherJwk"] = src.PublisherJWK, source
	}
	if src.SubscriberJWK != "" {
		dst.SubscriberJWK, dst.provenance["subscriberJwk"] = src.SubscriberJWK, source
	}
	if src.JWKSURL != "" {
		dst.JWKSURL, dst.provenance["jwksUrl"] = src.JWKSURL, source
	}
	if src.PublisherJWKSURL != "" {
		dst.PublisherJWKSURL, dst.provenance["publisherJwksUrl"] = src.PublisherJWKSURL, source
	}
	if src.SubscriberJWKSURL != "" {
		dst.SubscriberJWKSURL, dst.provenance["subscriberJwksUrl"] = src.SubscriberJWKSURL, source
	}
	if src.AnonymousAccess {
		dst.AnonymousAccess, dst.provenance["anonymousAccess"] = true, source
	}
	if len(src.AllowedOrigins) > 0 {
		dst.AllowedOrigins, dst.provenance["allowedOrigins"] = src.AllowedOrigins, source
	}
	if src.CookieName != "" {
		dst.CookieName, dst.provenance["cookieName"] = src.CookieName, source
	}
	if src.SubscriptionQueryParamEnabled {
		dst.SubscriptionQueryParamEnabled, dst.provenance["subscriptionQueryParamEnabled"] = true, source
	}
	if src.HeartbeatInterval != 0 {
		dst.HeartbeatInterval, dst.provenance["heartbeatInterval"] = src.HeartbeatInterval, source
	}
	if src.ShutdownTimeout != 0 {
		dst.ShutdownTimeout, dst.provenance["shutdownTimeout"] = src.ShutdownTimeout, source
	}
	if src.PublishRateLimit != 0 {
		dst.PublishRateLimit, dst.provenance["publishRateLimit"] = src.PublishRateLimit, source
	}
	if src.PublishRateBurst != 0 {
		dst.PublishRateBurst, dst.provenance["publishRateBurst"] = src.PublishRateBurst, source
	}
	if src.TransportMemorySize != 0 {
		dst.TransportMemorySize, dst.provenance["transportMemorySize"] = src.TransportMemorySize, source
	}
	if src.MaxTopicsPerSub != 0 {
		dst.MaxTopicsPerSub, dst.provenance["maxTopicsPerSubscription"] = src.MaxTopicsPerSub, source
	}
	if src.MaxSubscribers != 0 {
		dst.MaxSubscribers, dst.provenance["maxSubscribers"] = src.MaxSubscribers, source
	}
}

// AuthOptions builds auth.Options from the resolved key-material fields.
// Keys given as raw YAML/env strings are treated as symmetric (HMAC) secrets;
// an RSA public key in PEM form is not handled here since mercure.rocks
// deployments conventionally hand RSA keys to the hub only via a JWK-Set URL.
func (c *Configuration) AuthOptions() auth.Options {
	return auth.Options{
		SharedKey:         nonEmptyBytes(c.JWK),
		PublisherKey:      nonEmptyBytes(c.PublisherJWK),
		SubscriberKey:     nonEmptyBytes(c.SubscriberJWK),
		JWKSURL:           c.JWKSURL,
		PublisherJWKSURL:  c.PublisherJWKSURL,
		SubscriberJWKSURL: c.SubscriberJWKSURL,
		CookieName:        c.CookieName,
		AllowQueryParam:   c.SubscriptionQueryParamEnabled,
	}
}

func nonEmptyBytes(s string) auth.Key {
	if s == "" {
		return nil
	}
	return []byte(s)
}
