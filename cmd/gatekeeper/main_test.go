package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/miradorsec/gatekeeper/internal/config"
)

// buildRoot constructs the root command as main() does, for use in tests.
func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Intake screening gateway for uploads, URLs, and request volume",
	}
	root.AddCommand(runCmd(), healthcheckCmd(), versionCmd(), checkURLCmd(), rulesCmd())
	return root
}

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	root := buildRoot()

	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[cmd.Name()] = true
	}

	for _, want := range []string{"run", "version", "healthcheck", "checkurl", "rules"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

// TestVersionOutput verifies the version subcommand prints the binary name.
func TestVersionOutput(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	oldStdout := os.Stdout
	os.Stdout = w

	root := buildRoot()
	root.SetArgs([]string{"version"})
	execErr := root.Execute()

	w.Close()
	os.Stdout = oldStdout

	if execErr != nil {
		t.Fatalf("version command returned error: %v", execErr)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "gatekeeper") {
		t.Errorf("version output %q does not contain %q", buf.String(), "gatekeeper")
	}
}

// TestRunDaemonRejectsBadConfig verifies runDaemon surfaces config errors
// instead of panicking.
func TestRunDaemonRejectsBadConfig(t *testing.T) {
	t.Setenv("UPLOAD_MAX_BYTES", "0")

	if err := runDaemon(); err == nil {
		t.Fatal("expected runDaemon() to return an error for invalid config")
	}
}

// TestBuildRegistry verifies route overrides from config end up wired.
func TestBuildRegistry(t *testing.T) {
	t.Setenv("RATELIMIT_ROUTES", "/v1/urls/blacklist=1/1m")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if dec := reg.Check("/v1/urls/blacklist/x.com", "1.2.3.4", ""); !dec.Allowed {
		t.Fatal("first request should pass")
	}
	if dec := reg.Check("/v1/urls/blacklist/x.com", "1.2.3.4", ""); dec.Allowed {
		t.Fatal("route override capacity 1 exhausted")
	}
	// Other routes still use the default capacity.
	if dec := reg.Check("/v1/uploads", "1.2.3.4", ""); !dec.Allowed {
		t.Fatal("default route should still admit")
	}
}
