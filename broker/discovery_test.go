package broker

import (
	"reflect"
	"testing"
)

func TestBuildDiscoveryDocument(t *testing.T) {
	p := &ProviderConfig{
		Name:               "mock",
		EndpointURL:        "/auth/mock",
		UpstreamScopes:     []string{"openid", "profile", "email"},
		SupportedAuthFlows: []string{"authorization_code", "refresh_token"},
	}
	issuer := "https://auth.example.com/auth/mock"

	doc := BuildDiscoveryDocument(p, issuer, "RS256")

	if doc["issuer"] != issuer {
		t.Fatalf("issuer: %v", doc["issuer"])
	}
	if doc["authorization_endpoint"] != issuer+"/authorize" {
		t.Fatalf("authorization_endpoint: %v", doc["authorization_endpoint"])
	}
	if doc["token_endpoint"] != issuer+"/token" {
		t.Fatalf("token_endpoint: %v", doc["token_endpoint"])
	}
	if doc["jwks_uri"] != issuer+"/jwks" {
		t.Fatalf("jwks_uri: %v", doc["jwks_uri"])
	}
	if doc["end_session_endpoint"] != issuer+"/logout" {
		t.Fatalf("end_session_endpoint: %v", doc["end_session_endpoint"])
	}
	if !reflect.DeepEqual(doc["id_token_signing_alg_values_supported"], []string{"RS256"}) {
		t.Fatalf("alg values: %v", doc["id_token_signing_alg_values_supported"])
	}
	if !reflect.DeepEqual(doc["grant_types_supported"], p.SupportedAuthFlows) {
		t.Fatalf("grant types: %v", doc["grant_types_supported"])
	}
	if !reflect.DeepEqual(doc["code_challenge_methods_supported"], []string{"S256"}) {
		t.Fatalf("pkce methods: %v", doc["code_challenge_methods_supported"])
	}
	scopes, ok := doc["scopes_supported"].([]string)
	if !ok || scopes[0] != "openid" || len(scopes) != 3 {
		t.Fatalf("scopes: %v", doc["scopes_supported"])
	}
}
