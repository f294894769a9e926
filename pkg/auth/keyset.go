package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for auth spans.
const tracerName = "github.com/helioscloud/trust-core/pkg/auth"

// HTTPClient abstracts the HTTP client used for key-set and discovery
// fetches, so callers can supply custom timeouts, transports, or test
// doubles. The standard [http.Client] satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeySetConfig configures a [KeySetCache].
type KeySetConfig struct {
	// Issuer is the expected token issuer. For the "ciam" provider, leave
	// empty; discovery supplies it.
	Issuer string

	// JWKSURL is the signing key set endpoint. For the "ciam" provider,
	// leave empty and set MetadataURL instead.
	JWKSURL string

	// MetadataURL is the OpenID Connect discovery document URL. When set,
	// the key-set URL (and the issuer, if Issuer is empty) are taken from
	// the discovery document on first fetch.
	MetadataURL string

	// RefreshInterval is how long fetched keys are served before a
	// refresh is attempted. While a refresh is in flight, other callers
	// keep serving the previous keys.
	RefreshInterval time.Duration

	// HTTPClient performs the fetches. Defaults to a client with a
	// 10-second timeout.
	HTTPClient HTTPClient
}

// KeySetCache resolves signing keys for one token issuer. Keys are
// fetched lazily on first use, served from memory, and refreshed after
// the configured interval. A refresh that fails leaves the previous keys
// in place; only a cache that has never successfully fetched surfaces
// fetch errors to callers.
//
// KeySetCache is safe for concurrent use by multiple goroutines.
type KeySetCache struct {
	issuer      string
	jwksURL     string
	metadataURL string
	interval    time.Duration
	client      HTTPClient
	tracer      trace.Tracer

	mu           sync.RWMutex
	keys         map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	refreshAfter time.Time
	generation   uint64 // incremented on every successful fetch

	// refreshMu serializes fetches. On the cold path all callers block on
	// it; on the stale path the single caller that wins TryLock refreshes
	// while the rest serve the cached keys.
	refreshMu sync.Mutex
}

// NewKeySetCache creates a KeySetCache from cfg. Either JWKSURL or
// MetadataURL must be set. No network traffic happens until the first
// key lookup.
func NewKeySetCache(cfg KeySetConfig) (*KeySetCache, error) {
	if cfg.JWKSURL == "" && cfg.MetadataURL == "" {
		return nil, herr.New(herr.CodeValidationRequired,
			"auth: key set cache requires a JWKS URL or a metadata URL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &KeySetCache{
		issuer:      cfg.Issuer,
		jwksURL:     cfg.JWKSURL,
		metadataURL: cfg.MetadataURL,
		interval:    interval,
		client:      client,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// NewKeySetCacheFromOptions builds the cache for opts: discovery-based for
// the "ciam" provider, direct key-set URL for "jwt".
func NewKeySetCacheFromOptions(opts Options) (*KeySetCache, error) {
	opts.applyDefaults()
	cfg := KeySetConfig{
		Issuer:          opts.Issuer,
		RefreshInterval: opts.KeySetRefreshInterval,
	}
	switch opts.Provider {
	case ProviderJWT:
		cfg.JWKSURL = opts.JWKSURL
	case ProviderCIAM:
		metadataURL, err := opts.MetadataURL()
		if err != nil {
			return nil, err
		}
		cfg.MetadataURL = metadataURL
		// The resolved authority is the issuer for multi-tenant hosts.
		// Pinning it here keeps the issuer check active before the first
		// discovery fetch completes.
		if cfg.Issuer == "" && opts.Authority != "" {
			issuer, err := ResolveAuthority(opts.Authority, opts.TenantID)
			if err != nil {
				return nil, err
			}
			cfg.Issuer = issuer
		}
	default:
		return nil, herr.Newf(herr.CodeValidation, "auth: unknown provider %q", opts.Provider)
	}
	return NewKeySetCache(cfg)
}

// Issuer returns the expected token issuer. Before the first successful
// discovery fetch, a "ciam" cache without a configured issuer returns "".
func (c *KeySetCache) Issuer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.issuer
}

// Key returns the signing key with the given key ID. A kid absent from
// the cached set triggers one forced refetch, so freshly rotated keys are
// picked up without waiting for the refresh interval.
func (c *KeySetCache) Key(ctx context.Context, kid string) (any, error) {
	keys, err := c.currentKeys(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}

	// Possible rotation: the presented token may be newer than the cache.
	keys, err = c.forceRefresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, herr.Newf(herr.CodeAuthInvalid,
		"auth: signing key %q not found in key set", kid)
}

// Keys returns the current key set, fetching it if the cache is cold.
func (c *KeySetCache) Keys(ctx context.Context) (map[string]any, error) {
	keys, err := c.currentKeys(ctx)
	if err != nil {
		return nil, err
	}
	copied := make(map[string]any, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return copied, nil
}

// RequestRefresh marks the cached keys stale. The next lookup serves the
// cached value and triggers a refresh; nothing is fetched eagerly.
func (c *KeySetCache) RequestRefresh() {
	c.mu.Lock()
	c.refreshAfter = time.Time{}
	c.mu.Unlock()
}

// currentKeys returns the cached key set, fetching on the cold path and
// refreshing (without blocking other callers) on the stale path.
func (c *KeySetCache) currentKeys(ctx context.Context) (map[string]any, error) {
	c.mu.RLock()
	keys := c.keys
	stale := time.Now().After(c.refreshAfter)
	c.mu.RUnlock()

	if keys == nil {
		return c.refresh(ctx)
	}
	if !stale {
		return keys, nil
	}

	// Stale but present: one caller refreshes, the rest keep serving the
	// cached keys.
	if !c.refreshMu.TryLock() {
		return keys, nil
	}
	defer c.refreshMu.Unlock()
	fresh, err := c.fetchLocked(ctx)
	if err != nil {
		// Keep serving the previous keys; the next stale lookup retries.
		return keys, nil
	}
	return fresh, nil
}

// refresh fetches the key set synchronously, coalescing concurrent
// callers onto a single fetch.
func (c *KeySetCache) refresh(ctx context.Context) (map[string]any, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have fetched while this one waited for the lock.
	c.mu.RLock()
	keys := c.keys
	fresh := !time.Now().After(c.refreshAfter)
	c.mu.RUnlock()
	if keys != nil && fresh {
		return keys, nil
	}

	return c.fetchLocked(ctx)
}

// forceRefresh fetches the key set even if the cached value is fresh,
// used when a key ID misses the cache (rotation). A fetch completed by
// another caller while waiting for the lock counts as the refetch.
func (c *KeySetCache) forceRefresh(ctx context.Context) (map[string]any, error) {
	c.mu.RLock()
	seen := c.generation
	c.mu.RUnlock()

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	keys := c.keys
	gen := c.generation
	c.mu.RUnlock()
	if gen != seen {
		return keys, nil
	}

	return c.fetchLocked(ctx)
}

// fetchLocked fetches and installs the key set. Caller holds refreshMu.
func (c *KeySetCache) fetchLocked(ctx context.Context) (map[string]any, error) {
	ctx, span := startSpan(ctx, c.tracer, "auth.KeySetCache.fetch")
	defer span.End()

	jwksURL, issuer, err := c.resolveEndpoints(ctx)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	keys, err := fetchKeySet(ctx, c.client, jwksURL)
	if err != nil {
		wrapped := herr.Wrapf(err, herr.CodeAuthKeySetUnavailable,
			"auth: failed to fetch key set from %s", jwksURL)
		finishSpan(span, wrapped)
		return nil, wrapped
	}
	if len(keys) == 0 {
		err := herr.Newf(herr.CodeAuthKeySetUnavailable,
			"auth: key set from %s contains no usable keys", jwksURL)
		finishSpan(span, err)
		return nil, err
	}

	c.mu.Lock()
	c.keys = keys
	c.refreshAfter = time.Now().Add(c.interval)
	c.generation++
	if c.issuer == "" {
		c.issuer = issuer
	}
	c.mu.Unlock()
	return keys, nil
}

// resolveEndpoints returns the key-set URL and issuer, performing the
// discovery fetch when the cache is metadata-configured and the key-set
// URL is not yet known.
func (c *KeySetCache) resolveEndpoints(ctx context.Context) (jwksURL, issuer string, err error) {
	c.mu.RLock()
	jwksURL, issuer = c.jwksURL, c.issuer
	c.mu.RUnlock()
	if jwksURL != "" {
		return jwksURL, issuer, nil
	}

	doc, err := fetchDiscovery(ctx, c.client, c.metadataURL)
	if err != nil {
		return "", "", herr.Wrapf(err, herr.CodeAuthKeySetUnavailable,
			"auth: failed to fetch discovery document from %s", c.metadataURL)
	}
	if doc.JWKSURI == "" {
		return "", "", herr.Newf(herr.CodeAuthKeySetUnavailable,
			"auth: discovery document from %s has no jwks_uri", c.metadataURL)
	}

	c.mu.Lock()
	c.jwksURL = doc.JWKSURI
	c.mu.Unlock()

	if issuer == "" {
		issuer = doc.Issuer
	}
	return doc.JWKSURI, issuer, nil
}

// discoveryDocument is the subset of the OpenID Connect discovery
// metadata the cache consumes.
type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// maxResponseBody limits fetched response bodies to 1 MB.
const maxResponseBody = 1 << 20

// fetchDiscovery retrieves and parses an OpenID Connect discovery
// document.
func fetchDiscovery(ctx context.Context, client HTTPClient, metadataURL string) (*discoveryDocument, error) {
	body, err := httpGet(ctx, client, metadataURL)
	if err != nil {
		return nil, err
	}
	var doc discoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("auth: failed to parse discovery JSON: %w", err)
	}
	return &doc, nil
}

// keySetResponse represents the JSON structure of a key-set endpoint
// response.
type keySetResponse struct {
	Keys []jwkKey `json:"keys"`
}

// jwkKey is a single key in a key-set response. Only the fields needed
// for RSA and EC key reconstruction are included.
type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA fields
	N string `json:"n"`
	E string `json:"e"`
	// EC fields
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// fetchKeySet retrieves a key set and constructs a map of key ID to
// public key. Supports RSA and ECDSA (P-256, P-384, P-521) key types;
// malformed or kid-less entries are skipped.
func fetchKeySet(ctx context.Context, client HTTPClient, jwksURL string) (map[string]any, error) {
	body, err := httpGet(ctx, client, jwksURL)
	if err != nil {
		return nil, err
	}

	var set keySetResponse
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("auth: failed to parse key set JSON: %w", err)
	}

	keys := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pubKey, err := parseRSAPublicKey(k.N, k.E)
			if err != nil {
				continue // Skip malformed keys.
			}
			keys[k.Kid] = pubKey
		case "EC":
			pubKey, err := parseECPublicKey(k.Crv, k.X, k.Y)
			if err != nil {
				continue // Skip malformed keys.
			}
			keys[k.Kid] = pubKey
		}
	}
	return keys, nil
}

// httpGet performs a GET and returns the body, limited to 1 MB.
func httpGet(ctx context.Context, client HTTPClient, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read response: %w", err)
	}
	return body, nil
}

// parseRSAPublicKey constructs an *rsa.PublicKey from base64url-encoded
// modulus (n) and exponent (e) values.
func parseRSAPublicKey(nBase64, eBase64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}

// parseECPublicKey constructs an *ecdsa.PublicKey from a curve name and
// base64url-encoded x and y coordinates.
func parseECPublicKey(crv, xBase64, yBase64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("auth: unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode EC y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// startSpan creates a new OpenTelemetry span with the given name.
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records an error on the span if err is non-nil and sets the
// span status accordingly. The span must still be ended by the caller.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
