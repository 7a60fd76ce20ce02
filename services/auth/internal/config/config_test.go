package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AUTH_PORT", "DATABASE_URL", "REDIS_ADDR", "JWT_PRIVATE_KEY_PATH",
		"JWT_VERIFY_PUBLIC_KEYS", "AUTH_SESSION_TTL", "AUTH_REFRESH_TTL",
		"AUTH_TOKEN_RATE_LIMIT_PER_MINUTE", "AUTH_TRUSTED_PROXIES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("AUTH_TOKEN_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("AUTH_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("AUTH_REFRESH_TTL", "48h")

	cfg, err := Load(writeConfig(t, `
port: "8081"
databaseURL: "memory"
jwtPrivateKeyPath: "/keys/jwt.pem"
sessionTTL: "10m"
tokenRateLimitPerMinute: 3
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("redisAddr = %q", cfg.RedisAddr)
	}
	if cfg.TokenRateLimitPerMinute != 7 {
		t.Fatalf("tokenRateLimitPerMinute = %d, want env override", cfg.TokenRateLimitPerMinute)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "127.0.0.1" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.TrustedProxies)
	}
	if d, _ := ParseSessionTTL(cfg.SessionTTL); d != 10*time.Minute {
		t.Fatalf("sessionTTL = %v", d)
	}
	if d, _ := ParseRefreshTTL(cfg.RefreshTTL); d != 48*time.Hour {
		t.Fatalf("refreshTTL = %v", d)
	}
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	clearEnv(t)
	cases := map[string]struct {
		content string
		wantErr string
	}{
		"port": {
			content: "databaseURL: memory\njwtPrivateKeyPath: /k.pem\n",
			wantErr: "port is required",
		},
		"database": {
			content: "port: \"8081\"\njwtPrivateKeyPath: /k.pem\n",
			wantErr: "databaseURL is required",
		},
		"signing key": {
			content: "port: \"8081\"\ndatabaseURL: memory\n",
			wantErr: "jwtPrivateKeyPath is required",
		},
		"negative limit": {
			content: "port: \"8081\"\ndatabaseURL: memory\njwtPrivateKeyPath: /k.pem\nrefreshRateLimitPerMinute: -1\n",
			wantErr: "rate limits must be >= 0",
		},
		"bad ttl": {
			content: "port: \"8081\"\ndatabaseURL: memory\njwtPrivateKeyPath: /k.pem\nrefreshTTL: soon\n",
			wantErr: "invalid refreshTTL duration",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q error, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	keys, err := ParseVerifyPublicKeys(" old=/keys/old.pem , older=/keys/older.pem ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(keys) != 2 || keys["old"] != "/keys/old.pem" || keys["older"] != "/keys/older.pem" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if keys, err := ParseVerifyPublicKeys(""); err != nil || keys != nil {
		t.Fatalf("empty input: %v %v", keys, err)
	}
	if _, err := ParseVerifyPublicKeys("missing-path="); err == nil {
		t.Fatalf("expected error for entry without path")
	}
}
