package hardening

import (
	"strings"
	"testing"
)

func productionReady() Options {
	return Options{
		Service:            "verifier",
		Environment:        "production",
		StrictProdSecurity: "true",
		DatabaseRequireTLS: "true",
		RedisAddr:          "cache.sigil.internal:6380",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://audit.sigil.dev, https://console.sigil.dev",
		ProverBaseURL:      "https://prover.sigil.internal",
		RequiredServiceSecrets: []EnvRequirement{
			{Name: "VERIFIER_AUTH_HEADER", Value: "X-Service-Auth"},
			{Name: "VERIFIER_AUTH_TOKEN", Value: "tok-1"},
		},
	}
}

func TestValidateProductionAcceptsHardenedConfig(t *testing.T) {
	if err := ValidateProduction(productionReady()); err != nil {
		t.Fatalf("ValidateProduction() = %v, want nil", err)
	}
}

func TestValidateProductionViolations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantSub string
	}{
		{
			name:    "database tls off",
			mutate:  func(o *Options) { o.DatabaseRequireTLS = "" },
			wantSub: "DATABASE_REQUIRE_TLS=true",
		},
		{
			name: "strict mode defaults on",
			mutate: func(o *Options) {
				o.StrictProdSecurity = ""
				o.DatabaseRequireTLS = "false"
			},
			wantSub: "DATABASE_REQUIRE_TLS=true",
		},
		{
			name:    "redis tls off",
			mutate:  func(o *Options) { o.RedisRequireTLS = "no" },
			wantSub: "REDIS_REQUIRE_TLS=true",
		},
		{
			name:    "redis verification disabled",
			mutate:  func(o *Options) { o.RedisTLSInsecure = "true" },
			wantSub: "REDIS_TLS_INSECURE",
		},
		{
			name:    "redis insecure opt-in",
			mutate:  func(o *Options) { o.RedisAllowInsecureTLS = "TRUE" },
			wantSub: "REDIS_ALLOW_INSECURE_TLS",
		},
		{
			name:    "cors wildcard",
			mutate:  func(o *Options) { o.CORSAllowedOrigins = "https://audit.sigil.dev,*" },
			wantSub: "CORS wildcard origin",
		},
		{
			name:    "cors localhost",
			mutate:  func(o *Options) { o.CORSAllowedOrigins = "https://localhost:5173" },
			wantSub: "localhost CORS origin",
		},
		{
			name:    "cors plain http",
			mutate:  func(o *Options) { o.CORSAllowedOrigins = "http://audit.sigil.dev" },
			wantSub: "requires HTTPS CORS origin",
		},
		{
			name:    "cors unset",
			mutate:  func(o *Options) { o.CORSAllowedOrigins = " , " },
			wantSub: "explicit CORS_ALLOWED_ORIGINS",
		},
		{
			name:    "plaintext prover",
			mutate:  func(o *Options) { o.ProverBaseURL = "http://prover.sigil.internal" },
			wantSub: "HTTPS PROVER_URL",
		},
		{
			name: "blank secret",
			mutate: func(o *Options) {
				o.RequiredServiceSecrets = append(o.RequiredServiceSecrets, EnvRequirement{Name: "SIGNING_SECRET_HEX"})
			},
			wantSub: "requires SIGNING_SECRET_HEX",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := productionReady()
			tt.mutate(&o)
			err := ValidateProduction(o)
			if err == nil {
				t.Fatalf("ValidateProduction() = nil, want error containing %q", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("ValidateProduction() = %v, want substring %q", err, tt.wantSub)
			}
			if !strings.HasPrefix(err.Error(), "verifier: ") {
				t.Fatalf("violation %v is not attributed to the service", err)
			}
		})
	}
}

func TestValidateProductionSkips(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"development environment", func(o *Options) { o.Environment = "development" }},
		{"blank environment", func(o *Options) { o.Environment = "" }},
		{"strict mode opted out", func(o *Options) { o.StrictProdSecurity = "false" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := productionReady()
			o.DatabaseRequireTLS = ""
			o.CORSAllowedOrigins = "*"
			o.ProverBaseURL = "http://localhost:8095"
			tt.mutate(&o)
			if err := ValidateProduction(o); err != nil {
				t.Fatalf("ValidateProduction() = %v, want nil outside strict production", err)
			}
		})
	}
}

func TestValidateProductionOptionalPieces(t *testing.T) {
	o := productionReady()
	o.RedisAddr = "   "
	o.RedisRequireTLS = ""
	o.ProverBaseURL = ""
	o.RequiredServiceSecrets = []EnvRequirement{{Name: "  ", Value: ""}}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("ValidateProduction() = %v, want nil when redis and prover are unused", err)
	}
}

func TestValidateProductionReportsFirstViolation(t *testing.T) {
	o := productionReady()
	o.DatabaseRequireTLS = "false"
	o.CORSAllowedOrigins = "*"
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS=true") {
		t.Fatalf("ValidateProduction() = %v, want the database violation first", err)
	}
}

func TestValidateProductionDefaultServiceLabel(t *testing.T) {
	o := productionReady()
	o.Service = ""
	o.DatabaseRequireTLS = ""
	err := ValidateProduction(o)
	if err == nil || !strings.HasPrefix(err.Error(), "service: ") {
		t.Fatalf("ValidateProduction() = %v, want the fallback service label", err)
	}
}

func TestFlagOn(t *testing.T) {
	if !flagOn("", true) || flagOn("", false) {
		t.Fatal("blank flags must keep their default")
	}
	if !flagOn(" TRUE ", false) {
		t.Fatal("flag parsing must trim and ignore case")
	}
	if flagOn("1", false) {
		t.Fatal(`only "true" switches a flag on`)
	}
}

func TestProductionLike(t *testing.T) {
	for _, env := range []string{"prod", "Production", " STAGING ", "stage"} {
		if !productionLike(env) {
			t.Fatalf("productionLike(%q) = false, want true", env)
		}
	}
	for _, env := range []string{"", "dev", "development", "test", "local"} {
		if productionLike(env) {
			t.Fatalf("productionLike(%q) = true, want false", env)
		}
	}
}
