package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, secret string) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"flow_upload", "downloads"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0755))
	}
	content := fmt.Sprintf(`
jwt:
  secret_key: %s
database:
  path: %s
upload:
  upload_dir: %s
  download_dir: %s
`, secret, filepath.Join(dir, "app.sqlite3"), filepath.Join(dir, "flow_upload"), filepath.Join(dir, "downloads"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(content), 0644))
	return dir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommandUsesGivenConfig(t *testing.T) {
	first := writeConfig(t, "first-secret")
	second := writeConfig(t, "second-secret")

	out, err := runCmd(t, "--config", first, "token", "--uid", "jasata")
	require.NoError(t, err)
	claims, err := auth.ParseToken(strings.TrimSpace(out), &config.JWTConfig{SecretKey: "first-secret"})
	require.NoError(t, err)
	assert.Equal(t, "jasata", claims.UID)
	assert.Equal(t, auth.RoleTeacher, claims.Role)

	// 每次执行都重新加载配置，不沿用上一次的结果
	out, err = runCmd(t, "--config", second, "token", "--uid", "student1", "--role", "student")
	require.NoError(t, err)
	_, err = auth.ParseToken(strings.TrimSpace(out), &config.JWTConfig{SecretKey: "first-secret"})
	assert.Error(t, err)
	claims, err = auth.ParseToken(strings.TrimSpace(out), &config.JWTConfig{SecretKey: "second-secret"})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleStudent, claims.Role)
}

func TestCommandFailsOnBadConfig(t *testing.T) {
	_, err := runCmd(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "token", "--uid", "jasata")
	assert.Error(t, err)

	_, err = runCmd(t, "--config", writeConfig(t, "s"), "token", "--uid", "jasata", "--role", "admin")
	assert.Error(t, err)
}
