package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bookloan/pkg/domain"
)

var testUser = domain.User{ID: "user-1", Username: "reader", Role: domain.RoleUser}

func TestJWTSessionStoreNewSessionAndJWKS(t *testing.T) {
	privatePath, _ := writeRSAKeyPairFiles(t, "active")
	s, err := NewJWTSessionStoreFromPEM(privatePath, "kid-active", nil, time.Minute, NewMemoryTokenRevoker(), JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	token, err := s.NewSession(testUser)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q", ok, userID)
	}

	keys := s.JWKS()
	if len(keys) != 1 {
		t.Fatalf("expected 1 jwk, got %d", len(keys))
	}
	if keys[0].Kid != "kid-active" || keys[0].Kty != "RSA" || keys[0].Alg != "RS256" {
		t.Fatalf("unexpected jwk fields: %+v", keys[0])
	}
	if keys[0].N == "" || keys[0].E == "" {
		t.Fatalf("expected RSA modulus/exponent in jwks")
	}
}

func TestJWTSessionStoreCarriesIdentityClaims(t *testing.T) {
	s := newRSStore(t, "claims", nil, JWTOptions{})
	admin := domain.User{ID: "admin-1", Username: "root", Role: domain.RoleAdmin}
	token, err := s.NewSession(admin)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	claims, err := s.parseAndVerify(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Username != "root" || claims.Role != "admin" || claims.Subject != "admin-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	key := mustRSAKey(t)
	signing, _ := NewJWTSessionStore(key, "k", time.Minute, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a"})
	verify, _ := NewJWTSessionStore(key, "k", time.Minute, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b"})

	token, err := signing.NewSession(testUser)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	s := newRSStore(t, "revoke", NewMemoryTokenRevoker(), JWTOptions{})
	token, err := s.NewSession(testUser)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); err == nil || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreVerifiesPreviousKeyDuringRotation(t *testing.T) {
	oldPrivate, oldPublic := writeRSAKeyPairFiles(t, "old")
	newPrivate, _ := writeRSAKeyPairFiles(t, "new")

	oldStore, err := NewJWTSessionStoreFromPEM(oldPrivate, "kid-old", nil, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("old store: %v", err)
	}
	oldToken, err := oldStore.NewSession(testUser)
	if err != nil {
		t.Fatalf("old token: %v", err)
	}

	rotated, err := NewJWTSessionStoreFromPEM(newPrivate, "kid-new", map[string]string{"kid-old": oldPublic}, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("rotated store: %v", err)
	}
	if _, ok, err := rotated.GetUserIDByToken(oldToken); err != nil || !ok {
		t.Fatalf("verify old token with rotated store: ok=%v err=%v", ok, err)
	}
	if keys := rotated.JWKS(); len(keys) != 2 || keys[0].Kid != "kid-new" || keys[1].Kid != "kid-old" {
		t.Fatalf("unexpected jwks: %+v", keys)
	}

	unrotated, err := NewJWTSessionStoreFromPEM(newPrivate, "kid-new", nil, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("unrotated store: %v", err)
	}
	if _, _, err := unrotated.GetUserIDByToken(oldToken); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestJWTSessionStoreRejectsFutureIssuedAt(t *testing.T) {
	key := mustRSAKey(t)
	s, _ := NewJWTSessionStore(key, "jwt-active", time.Minute, nil, JWTOptions{Leeway: time.Second})
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "user-future",
		Issuer:    DefaultJWTIssuer,
		Audience:  jwt.ClaimStrings{DefaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		ID:        "jti-future",
	})
	token.Header["kid"] = "jwt-active"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestJWTSessionStoreRequiresKidAndJTI(t *testing.T) {
	key := mustRSAKey(t)
	s, _ := NewJWTSessionStore(key, "jwt-active", time.Minute, nil, JWTOptions{})
	claims := jwt.RegisteredClaims{
		Subject:   "user-x",
		Issuer:    DefaultJWTIssuer,
		Audience:  jwt.ClaimStrings{DefaultJWTAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}

	noKid, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(noKid); err == nil {
		t.Fatalf("expected missing kid to fail")
	}

	withKid := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	withKid.Header["kid"] = "jwt-active"
	noJTI, err := withKid.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(noJTI); err == nil {
		t.Fatalf("expected missing jti to fail")
	}
}

func newRSStore(t *testing.T, kid string, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(mustRSAKey(t), kid, time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key := mustRSAKey(t)
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
