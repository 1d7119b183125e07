// Package auth resolves the Mercure Authorization token from a request,
// verifies it against a configured JWK or JWK-Set URL, and decodes the
// "mercure" claim into publish/subscribe topic selectors and an opaque
// payload.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mercurehub/hub/internal/topic"
)

// Key is either a raw symmetric secret ([]byte, for HS256) or an
// *rsa.PublicKey (for RS256), the two algorithm families mercure.rocks
// deployments use in practice.
type Key any

// Options configures a Verifier. At most one of the four key-resolution
// groups below may be set; the config package enforces this before
// constructing a Verifier, and accepts none only when anonymous access is on.
type Options struct {
	// PublisherKey/SubscriberKey verify publish-only and subscribe-only
	// tokens respectively when both roles share no single key.
	PublisherKey  Key
	SubscriberKey Key
	// SharedKey verifies both publish and subscribe tokens when one key
	// covers both roles.
	SharedKey Key

	// PublisherJWKSURL/SubscriberJWKSURL fetch per-role keys from a JWK Set.
	PublisherJWKSURL  string
	SubscriberJWKSURL string
	// JWKSURL fetches one shared JWK Set covering both roles.
	JWKSURL string

	// CookieName names the cookie token source, default mercureAuthorization.
	CookieName string
	// AllowQueryParam enables the ?authorization= fallback, off by default.
	AllowQueryParam bool

	HTTPClient *http.Client
}

// Capabilities is the result of a successful Verify: the selector lists
// granted by the token's "mercure" claim and its opaque payload.
type Capabilities struct {
	Publish   []*topic.Selector
	Subscribe []*topic.Selector
	Payload   json.RawMessage
}

// CanPublish reports whether topics is covered by at least one publish
// selector.
func (c Capabilities) CanPublish(topics []string) bool {
	return topic.AnyMatches(c.Publish, topics)
}

// CanSubscribe reports whether topics is covered by at least one subscribe
// selector.
func (c Capabilities) CanSubscribe(topics []string) bool {
	return topic.AnyMatches(c.Subscribe, topics)
}

// mercureClaim is the shape of the "mercure" JWT claim.
type mercureClaim struct {
	Publish   []string        `json:"publish"`
	Subscribe []string        `json:"subscribe"`
	Payload   json.RawMessage `json:"payload"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Mercure *mercureClaim `json:"mercure"`
}

// Verifier extracts and verifies Mercure Authorization tokens.
type Verifier struct {
	opts Options

	jwksMu    sync.RWMutex
	publisher jwkSet
	subscriber jwkSet
	shared    jwkSet
}

// jwkSet holds keys fetched from a JWK-Set URL, keyed by kid.
type jwkSet struct {
	url       string
	keys      map[string]Key
	fetchedAt time.Time
}

// NewVerifier builds a Verifier from opts. JWK-Set URLs, if configured, are
// fetched eagerly by Prefetch; callers that configured only static keys need
// not call it.
func NewVerifier(opts Options) *Verifier {
	if opts.CookieName == "" {
		opts.CookieName = "mercureAuthorization"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	v := &Verifier{opts: opts}
	v.publisher.url = opts.PublisherJWKSURL
	v.subscriber.url = opts.SubscriberJWKSURL
	v.shared.url = opts.JWKSURL
	return v
}

// Prefetch fetches every configured JWK-Set URL once, so startup fails fast
// on an unreachable or malformed key server rather than on the first request.
func (v *Verifier) Prefetch() error {
	for _, set := range []*jwkSet{&v.publisher, &v.subscriber, &v.shared} {
		if set.url == "" {
			continue
		}
		if err := v.refresh(set); err != nil {
			return fmt.Errorf("auth: prefetch %s: %w", set.url, err)
		}
	}
	return nil
}

// ErrNoToken is returned by ExtractToken when no source carried a token.
var ErrNoToken = errors.New("auth: no token found in request")

// ExtractToken implements the header → query → cookie precedence.
func (v *Verifier) ExtractToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", errors.New("auth: malformed Authorization header")
		}
		return strings.TrimPrefix(h, prefix), nil
	}
	if v.opts.AllowQueryParam {
		if tok := r.URL.Query().Get("authorization"); tok != "" {
			return tok, nil
		}
	}
	if c, err := r.Cookie(v.opts.CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrNoToken
}

// Verify parses and verifies token, then decodes its "mercure" claim.
// baseURL resolves relative topic selectors in the claim.
func (v *Verifier) Verify(token string, baseURL string) (Capabilities, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFunc, jwt.WithValidMethods([]string{"HS256", "RS256"}))
	if err != nil || !parsed.Valid {
		return Capabilities{}, fmt.Errorf("auth: invalid token: %w", err)
	}
	if claims.Mercure == nil {
		return Capabilities{}, errors.New("auth: token is missing the mercure claim")
	}

	caps := Capabilities{Payload: claims.Mercure.Payload}
	for _, raw := range claims.Mercure.Publish {
		sel, err := topic.Compile(raw, baseURL)
		if err != nil {
			return Capabilities{}, fmt.Errorf("auth: compile publish selector %q: %w", raw, err)
		}
		caps.Publish = append(caps.Publish, sel)
	}
	for _, raw := range claims.Mercure.Subscribe {
		sel, err := topic.Compile(raw, baseURL)
		if err != nil {
			return Capabilities{}, fmt.Errorf("auth: compile subscribe selector %q: %w", raw, err)
		}
		caps.Subscribe = append(caps.Subscribe, sel)
	}
	return caps, nil
}

// keyFunc resolves the verification key for a parsed token: the shared key
// or shared JWK Set when configured, otherwise the static publisher and
// subscriber keys, otherwise the publisher and subscriber JWK Sets looked up
// by the token's kid. A kid missing from a JWK Set forces one
// refresh-and-retry of that set, covering key rotation.
func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	alg := t.Method.Alg()
	if v.opts.SharedKey != nil {
		return coerceKey(v.opts.SharedKey, alg)
	}

	kid, _ := t.Header["kid"].(string)

	if v.shared.url != "" {
		return v.resolveFromSet(&v.shared, kid, alg)
	}

	// Publish vs subscribe tokens carry disjoint keys; try both families
	// since the caller has not yet decoded the claim to know which role
	// this token is for. The parser accepts the token if any key in the
	// set verifies its signature.
	var static []jwt.VerificationKey
	for _, k := range []Key{v.opts.PublisherKey, v.opts.SubscriberKey} {
		if k == nil {
			continue
		}
		if key, err := coerceKey(k, alg); err == nil {
			static = append(static, key)
		}
	}
	if len(static) > 0 {
		return jwt.VerificationKeySet{Keys: static}, nil
	}
	if v.publisher.url != "" {
		if key, err := v.resolveFromSet(&v.publisher, kid, alg); err == nil {
			return key, nil
		}
	}
	if v.subscriber.url != "" {
		return v.resolveFromSet(&v.subscriber, kid, alg)
	}

	return nil, errors.New("auth: no verification key configured")
}

func coerceKey(k Key, alg string) (any, error) {
	switch alg {
	case "HS256":
		secret, ok := k.([]byte)
		if !ok {
			return nil, errors.New("auth: expected a symmetric key for HS256")
		}
		return secret, nil
	case "RS256":
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("auth: expected an RSA public key for RS256")
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", alg)
	}
}

func (v *Verifier) resolveFromSet(set *jwkSet, kid, alg string) (any, error) {
	key, err := v.lookup(set, kid)
	if err != nil {
		if refreshErr := v.refresh(set); refreshErr != nil {
			return nil, fmt.Errorf("auth: refresh jwk set: %w", refreshErr)
		}
		key, err = v.lookup(set, kid)
		if err != nil {
			return nil, err
		}
	}
	return coerceKey(key, alg)
}

func (v *Verifier) lookup(set *jwkSet, kid string) (Key, error) {
	v.jwksMu.RLock()
	defer v.jwksMu.RUnlock()
	if kid == "" && len(set.keys) == 1 {
		for _, k := range set.keys {
			return k, nil
		}
	}
	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("auth: kid %q not found in jwk set", kid)
}

// rawJWKSet is the wire format of a JWK Set document, RFC 7517 §5.
type rawJWKSet struct {
	Keys []rawJWK `json:"keys"`
}

type rawJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	K   string `json:"k"`
}

func (v *Verifier) refresh(set *jwkSet) error {
	req, err := http.NewRequest(http.MethodGet, set.url, nil)
	if err != nil {
		return err
	}
	resp, err := v.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var doc rawJWKSet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("auth: decode jwk set: %w", err)
	}

	keys := make(map[string]Key, len(doc.Keys))
	for _, k := range doc.Keys {
		key, err := decodeJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = key
	}

	v.jwksMu.Lock()
	set.keys = keys
	set.fetchedAt = time.Now()
	v.jwksMu.Unlock()
	return nil
}

func decodeJWK(k rawJWK) (Key, error) {
	switch strings.ToUpper(k.Kty) {
	case "OCT":
		return base64.RawURLEncoding.DecodeString(k.K)
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := new(big.Int).SetBytes(eBytes)
		n := new(big.Int).SetBytes(nBytes)
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported kty %q", k.Kty)
	}
}
