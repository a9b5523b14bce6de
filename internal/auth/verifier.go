// Package auth verifies bearer tokens and maps them to a planning role.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles, weakest first.
const (
	RoleViewer  = "viewer"
	RolePlanner = "planner"
	RoleAdmin   = "admin"
)

var rank = map[string]int{RoleViewer: 1, RolePlanner: 2, RoleAdmin: 3}

// ErrUnauthorized wraps every verification failure.
var ErrUnauthorized = errors.New("unauthorized")

type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Allows reports whether p holds role or a stronger one. Unknown roles allow nothing.
func (p Principal) Allows(role string) bool {
	have, ok := rank[p.Role]
	return ok && have >= rank[role]
}

// Verifier validates bearer tokens.
// Modes: off (no tokens), dev (plain "subject:role"), hmac (HS256), jwks (RS256 from a JWKS URL).
type Verifier struct {
	Mode         string
	HMACSecret   []byte
	JWKSURL      string
	SubjectClaim string
	RoleClaim    string
	Now          func() time.Time

	http      *http.Client
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
	cacheTTL  time.Duration
}

type jwkSet struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func NewVerifierFromEnv() *Verifier {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
	if mode == "" {
		mode = "off"
	}
	return &Verifier{
		Mode:         mode,
		HMACSecret:   []byte(os.Getenv("AUTH_HMAC_SECRET")),
		JWKSURL:      os.Getenv("AUTH_JWKS_URL"),
		SubjectClaim: envOr("AUTH_SUBJECT_CLAIM", "sub"),
		RoleClaim:    envOr("AUTH_ROLE_CLAIM", "role"),
		Now:          time.Now,
		http:         &http.Client{Timeout: 5 * time.Second},
		cacheTTL:     10 * time.Minute,
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// Enabled reports whether requests must carry a bearer token.
func (v *Verifier) Enabled() bool { return v != nil && v.Mode != "off" }

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		sub, role, ok := strings.Cut(token, ":")
		if !ok || sub == "" {
			return Principal{}, fmt.Errorf("%w: dev token must be subject:role", ErrUnauthorized)
		}
		return principal(sub, role)
	}
	var (
		alg     string
		keyFunc jwt.Keyfunc
	)
	switch v.Mode {
	case "hmac":
		alg = jwt.SigningMethodHS256.Alg()
		keyFunc = func(*jwt.Token) (any, error) { return v.HMACSecret, nil }
	case "jwks":
		alg = jwt.SigningMethodRS256.Alg()
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.publicKey(kid)
		}
	default:
		return Principal{}, fmt.Errorf("%w: auth mode %q", ErrUnauthorized, v.Mode)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithValidMethods([]string{alg}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub, _ := claims[v.SubjectClaim].(string)
	role, _ := claims[v.RoleClaim].(string)
	return principal(sub, role)
}

func principal(sub, role string) (Principal, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleViewer
	}
	if _, ok := rank[role]; !ok {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, role)
	}
	return Principal{Subject: sub, Role: role}, nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// publicKey returns the RSA key for kid, refetching the JWKS when the cache is stale
// or the kid is unknown.
func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	k, ok := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return k, nil
	}
	if err := v.fetchJWKS(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if k, ok := v.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: kid %q not in JWKS", ErrUnauthorized, kid)
}

func (v *Verifier) fetchJWKS() error {
	if v.JWKSURL == "" {
		return errors.New("AUTH_JWKS_URL not set")
	}
	client := v.http
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(v.JWKSURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
