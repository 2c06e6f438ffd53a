// Package hardening validates production posture at service startup. The
// checks run only in production-like environments so local development stays
// frictionless.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	ProverBaseURL          string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction refuses to start a service whose production posture is
// insecure. Attestation certificates are only as trustworthy as the channel
// that produced them, so TLS-to-database, no CORS wildcard, and an HTTPS
// prover boundary are all hard requirements under strict mode. The first
// violated requirement is reported.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !flagOn(o.StrictProdSecurity, true) {
		return nil
	}
	p := posture{service: serviceLabel(o.Service)}
	p.requireDatabaseTLS(o.DatabaseRequireTLS)
	p.requireRedisTLS(o.RedisAddr, o.RedisRequireTLS, o.RedisTLSInsecure, o.RedisAllowInsecureTLS)
	p.requireSaneCORS(o.CORSAllowedOrigins)
	p.requireHTTPSProver(o.ProverBaseURL)
	p.requireSecrets(o.RequiredServiceSecrets)
	return p.violation
}

// posture records the first violated requirement. Later checks become no-ops
// once a violation is held.
type posture struct {
	service   string
	violation error
}

func (p *posture) fail(format string, args ...any) {
	if p.violation == nil {
		p.violation = fmt.Errorf("%s: strict production hardening "+format, append([]any{p.service}, args...)...)
	}
}

func (p *posture) requireDatabaseTLS(flag string) {
	if p.violation != nil || flagOn(flag, false) {
		return
	}
	p.fail("requires DATABASE_REQUIRE_TLS=true")
}

// requireRedisTLS only applies when a Redis address is configured. Services
// that run without a cache keep a clean posture.
func (p *posture) requireRedisTLS(addr, require, insecure, allowInsecure string) {
	if p.violation != nil || strings.TrimSpace(addr) == "" {
		return
	}
	if !flagOn(require, false) {
		p.fail("requires REDIS_REQUIRE_TLS=true")
		return
	}
	if flagOn(insecure, false) || flagOn(allowInsecure, false) {
		p.fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
	}
}

func (p *posture) requireSaneCORS(raw string) {
	if p.violation != nil {
		return
	}
	listed := 0
	for _, field := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(field)
		if origin == "" {
			continue
		}
		listed++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			p.fail("forbids CORS wildcard origin")
		case loopbackOrigin(lower):
			p.fail("forbids localhost CORS origin %q", origin)
		case !strings.HasPrefix(lower, "https://"):
			p.fail("requires HTTPS CORS origin, got %q", origin)
		}
		if p.violation != nil {
			return
		}
	}
	if listed == 0 {
		p.fail("requires explicit CORS_ALLOWED_ORIGINS")
	}
}

func (p *posture) requireHTTPSProver(raw string) {
	if p.violation != nil {
		return
	}
	prover := strings.TrimSpace(raw)
	if prover == "" || strings.HasPrefix(strings.ToLower(prover), "https://") {
		return
	}
	p.fail("requires an HTTPS PROVER_URL, got %q", prover)
}

func (p *posture) requireSecrets(secrets []EnvRequirement) {
	if p.violation != nil {
		return
	}
	for _, req := range secrets {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			p.fail("requires %s", name)
			return
		}
	}
}

func loopbackOrigin(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func serviceLabel(raw string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return "service"
}

func flagOn(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
