package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "airuntime.yaml", `
auth:
  public_key_path: keys/jwtRS256.key.pub
backends:
  contacts_addr: contacts.svc:8080
agent:
  max_tool_calls: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != DefaultAddress {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Auth.PublicKeyPath != filepath.Join(dir, "keys/jwtRS256.key.pub") {
		t.Fatalf("public key path not resolved against config dir: %s", cfg.Auth.PublicKeyPath)
	}
	if cfg.Backends.ContactsAddr != "contacts.svc:8080" {
		t.Fatalf("contacts addr not read: %s", cfg.Backends.ContactsAddr)
	}
	if cfg.Backends.BalancesAddr != "balancereader:8080" || cfg.Backends.TransactionsAddr != "ledgerwriter:8080" {
		t.Fatalf("backend defaults missing: %+v", cfg.Backends)
	}
	if cfg.Backends.Timeout() != 10*time.Second {
		t.Fatalf("unexpected backend timeout: %s", cfg.Backends.Timeout())
	}
	if cfg.Backends.LocalRoutingNum != DefaultRoutingNumber {
		t.Fatalf("unexpected routing number: %s", cfg.Backends.LocalRoutingNum)
	}
	if cfg.Agent.MaxToolCalls != 5 || cfg.Agent.AppName != DefaultAppName {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.Payments.Journal.Driver != "memory" || cfg.Events.Driver != "none" || cfg.Storage.TurnStore.Driver != "memory" {
		t.Fatalf("driver defaults missing: %+v %+v %+v", cfg.Payments, cfg.Events, cfg.Storage)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "airuntime.json", `{"auth":{"public_key_pem":"-----BEGIN PUBLIC KEY-----"},"server":{"address":":9000"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "airuntime.yaml", `
auth:
  public_key_path: /etc/keys/file.pub
backends:
  history_addr: from-file:8080
`)
	t.Setenv("PUB_KEY_PATH", "/run/secrets/jwt.pub")
	t.Setenv("HISTORY_API_ADDR", "transactionhistory.prod:8080")
	t.Setenv("LOCAL_ROUTING_NUM", "123456789")
	t.Setenv("AIRUNTIME_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.PublicKeyPath != "/run/secrets/jwt.pub" {
		t.Fatalf("env did not override key path: %s", cfg.Auth.PublicKeyPath)
	}
	if cfg.Backends.HistoryAddr != "transactionhistory.prod:8080" {
		t.Fatalf("env did not override history addr: %s", cfg.Backends.HistoryAddr)
	}
	if cfg.Backends.LocalRoutingNum != "123456789" {
		t.Fatalf("env did not override routing number: %s", cfg.Backends.LocalRoutingNum)
	}
	if cfg.Payments.Journal.Redis.Address != "redis:6379" || cfg.Events.Redis.Address != "redis:6379" {
		t.Fatalf("redis address not propagated")
	}
}

func TestLoadWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("PUB_KEY_PATH", "/run/secrets/jwt.pub")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.PublicKeyPath != "/run/secrets/jwt.pub" {
		t.Fatalf("unexpected key path: %s", cfg.Auth.PublicKeyPath)
	}
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	t.Setenv("PUB_KEY_PATH", "")
	t.Setenv("AIRUNTIME_MYSQL_DSN", "")
	t.Setenv("AIRUNTIME_RABBITMQ_URL", "")
	dir := t.TempDir()
	path := writeFile(t, dir, "airuntime.yaml", `
auth:
  public_key_pem: pem
events:
  driver: rabbitmq
storage:
  turn_store:
    driver: mysql
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing rabbitmq url and mysql dsn")
	}

	if _, err := Load(writeFile(t, dir, "nokey.yaml", "server:\n  address: \":1\"\n")); err == nil {
		t.Fatalf("expected validation error when no public key is configured")
	}
}
