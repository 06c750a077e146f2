package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevinKickass/OpenScopeCore/internal/auth"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "hash-password", "s3cret")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out)
	ok, err := auth.NewPasswordHasher().VerifyPassword("s3cret", hash)
	if err != nil || !ok {
		t.Fatalf("printed hash %q does not verify: %v", hash, err)
	}

	if _, err := execute(t, "hash-password"); err == nil {
		t.Fatal("missing password accepted")
	}
}

func TestValidateProtocolFiles(t *testing.T) {
	good := writeFile(t, "soak.yaml", "name: soak\nsteps:\n  - {kind: incubation, duration: 5}\n")
	bad := writeFile(t, "broken.json", `{"name": "broken", "steps": [{"kind": "teleport"}]}`)

	out, err := execute(t, "validate", good)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, `ok, "soak" with 1 steps`) {
		t.Fatalf("output %q", out)
	}

	out, err = execute(t, "validate", good, bad)
	if !errors.Is(err, errInvalidProtocol) {
		t.Fatalf("invalid file accepted: %v", err)
	}
	if !strings.Contains(out, "broken.json: ") || !strings.Contains(out, "PROTOCOL_") {
		t.Fatalf("issues not printed: %q", out)
	}

	if _, err := execute(t, "validate", writeFile(t, "notes.txt", "x")); err == nil {
		t.Fatal("unknown extension accepted")
	}
}

func TestValidateSampleProtocol(t *testing.T) {
	if _, err := execute(t, "validate", filepath.Join("..", "..", "configs", "protocols", "him_cycle.yaml")); err != nil {
		t.Fatalf("sample protocol: %v", err)
	}
}
