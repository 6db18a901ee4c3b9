package bootstrap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/tollgate/bootstrap"
)

func writeTestConfig(t *testing.T, upstreamURL, driver, dsn string) string {
	t.Helper()
	content := `
server:
  host: "127.0.0.1"
  port: 0

upstream:
  url: "` + upstreamURL + `"

verifier:
  issuer: "https://pay.example.com"
  ssi: "svc-test"

payment:
  provider: "none"

store:
  driver: "` + driver + `"
  dsn: "` + dsn + `"

logging:
  level: "error"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBootstrap_MemoryStore(t *testing.T) {
	path := writeTestConfig(t, "http://localhost:3000", "memory", "")

	app, err := bootstrap.New(bootstrap.Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	if app.HTTPServer == nil {
		t.Error("HTTPServer should not be nil")
	}
	if app.Config == nil {
		t.Fatal("Config should not be nil")
	}
	if app.Config.Verifier.SSI != "svc-test" {
		t.Errorf("SSI = %s, want svc-test", app.Config.Verifier.SSI)
	}
}

func TestBootstrap_SQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	path := writeTestConfig(t, "http://localhost:3000", "sqlite", dbPath)

	app, err := bootstrap.New(bootstrap.Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	defer app.Shutdown()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file created: %v", err)
	}
}

func TestBootstrap_EnvOnlyConfig(t *testing.T) {
	os.Setenv("TOLLGATE_UPSTREAM_URL", "http://localhost:3000")
	os.Setenv("TOLLGATE_VERIFIER_ISSUER", "https://pay.example.com")
	os.Setenv("TOLLGATE_VERIFIER_SSI", "svc-env")
	os.Setenv("TOLLGATE_PAYMENT_PROVIDER", "none")
	os.Setenv("TOLLGATE_LOG_LEVEL", "error")
	defer func() {
		os.Unsetenv("TOLLGATE_UPSTREAM_URL")
		os.Unsetenv("TOLLGATE_VERIFIER_ISSUER")
		os.Unsetenv("TOLLGATE_VERIFIER_SSI")
		os.Unsetenv("TOLLGATE_PAYMENT_PROVIDER")
		os.Unsetenv("TOLLGATE_LOG_LEVEL")
	}()

	app, err := bootstrap.New(bootstrap.Options{})
	if err != nil {
		t.Fatalf("create app from env: %v", err)
	}
	defer app.Shutdown()

	if app.Config.Verifier.SSI != "svc-env" {
		t.Errorf("SSI = %s, want svc-env", app.Config.Verifier.SSI)
	}
}

func TestBootstrap_MissingConfig(t *testing.T) {
	if _, err := bootstrap.New(bootstrap.Options{}); err == nil {
		t.Error("expected error with no config source")
	}
}
