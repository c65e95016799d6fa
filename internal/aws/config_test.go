package aws

import (
	"context"
	"testing"
)

func TestLoadAWSConfig_DefaultRegion(t *testing.T) {
	t.Setenv("AWS_REGION", "")

	cfg, err := LoadAWSConfig(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Region != defaultRegion {
		t.Fatalf("expected default region %q, got %s", defaultRegion, cfg.Region)
	}
}

func TestEndpointOverride(t *testing.T) {
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "http://localhost:4566")
	if got := EndpointOverride(); got != "http://localhost:4566" {
		t.Fatalf("endpoint override mismatch, got %q", got)
	}

	t.Setenv("AWS_ENDPOINT_OVERRIDE", "")
	if got := EndpointOverride(); got != "" {
		t.Fatalf("expected no override, got %q", got)
	}
}
