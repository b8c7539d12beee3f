package wt

import (
	"encoding/hex"
	"testing"
	"time"
)

func TestGenerateTLSConfig(t *testing.T) {
	cfg, fingerprint, err := GenerateTLSConfig(time.Hour, "relay.example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}

	if _, err := hex.DecodeString(fingerprint); err != nil || len(fingerprint) != 64 {
		t.Fatalf("expected a sha-256 hex fingerprint, got %q", fingerprint)
	}

	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected a parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "relay.example.com" {
		t.Fatalf("unexpected common name: %q", leaf.Subject.CommonName)
	}
	wantSANs := map[string]bool{"localhost": false, "relay.example.com": false}
	for _, san := range leaf.DNSNames {
		wantSANs[san] = true
	}
	for san, found := range wantSANs {
		if !found {
			t.Fatalf("missing SAN %q in %v", san, leaf.DNSNames)
		}
	}
	if leaf.NotAfter.Before(time.Now()) {
		t.Fatal("certificate already expired")
	}
}

func TestGenerateTLSConfigDefaultHostname(t *testing.T) {
	cfg, _, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	leaf := cfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "parley" {
		t.Fatalf("unexpected default common name: %q", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Fatalf("unexpected SANs: %v", leaf.DNSNames)
	}
}
