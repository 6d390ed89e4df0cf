package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func vaultServer(t *testing.T, path string, data map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": data},
		})
	}))
	t.Cleanup(server.Close)
	t.Setenv("VAULT_ADDR", server.URL)
	t.Setenv("VAULT_TOKEN", "test-token")
	return server
}

func TestResolveVault_Success(t *testing.T) {
	vaultServer(t, "/v1/secret/data/tableshift", map[string]interface{}{"password": "s3cret"})

	val, err := resolveVault("secret/data/tableshift#password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "s3cret" {
		t.Errorf("expected 's3cret', got %q", val)
	}
}

func TestResolveVault_MissingKey(t *testing.T) {
	vaultServer(t, "/v1/secret/data/tableshift", map[string]interface{}{"username": "admin"})

	if _, err := resolveVault("secret/data/tableshift#nonexistent"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestResolveVault_InvalidFormat(t *testing.T) {
	t.Setenv("VAULT_ADDR", "http://localhost:8200")
	t.Setenv("VAULT_TOKEN", "test-token")

	for _, ref := range []string{"no-hash-separator", "#key", "path#"} {
		if _, err := resolveVault(ref); err == nil {
			t.Errorf("expected error for %q", ref)
		}
	}
}

func TestResolveVault_MissingEnv(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	if _, err := resolveVault("secret/data/path#key"); err == nil {
		t.Error("expected error when VAULT_ADDR not set")
	}
}

func TestResolveValue_Vault(t *testing.T) {
	vaultServer(t, "/v1/secret/data/source", map[string]interface{}{"db_pass": "hunter2"})

	val, err := ResolveValue("${VAULT:secret/data/source#db_pass}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "hunter2" {
		t.Errorf("expected 'hunter2', got %q", val)
	}
}

func TestLookupSecretKey_KVv1(t *testing.T) {
	val, err := lookupSecretKey(map[string]interface{}{"token": "abc"}, "token", "kv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "abc" {
		t.Errorf("expected abc, got %q", val)
	}
	if _, err := lookupSecretKey(map[string]interface{}{"token": 5}, "token", "kv/app"); err == nil {
		t.Error("expected error for non-string value")
	}
}
