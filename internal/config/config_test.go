// Copyright 2026 Quay Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "pylon.yaml")
	configData := `
dataDir: /var/lib/pylon
apiPort: 9000
admins:
  - admin-1
  - admin-2
threshold: 2
delaySeconds: 3600
autoInitialize: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0o600))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/pylon", cfg.DataDir)
	require.Equal(t, uint(9000), cfg.ApiPort)
	require.Equal(t, []string{"admin-1", "admin-2"}, cfg.Admins)
	require.Equal(t, uint32(2), cfg.Threshold)
	require.Equal(t, uint64(3600), cfg.DelaySeconds)
	// Unset values keep their defaults
	require.Equal(t, "0.0.0.0", cfg.BindAddr)
	require.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PYLON_PORT", "9123")
	t.Setenv("PYLON_DATA_DIR", "/tmp/pylon-env")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, uint(9123), cfg.ApiPort)
	require.Equal(t, "/tmp/pylon-env", cfg.DataDir)
}

func TestLoadConfigAutoInitializeValidation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "pylon.yaml")
	configData := `
autoInitialize: true
admins: []
`
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0o600))
	_, err := LoadConfig(configPath)
	require.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	ctx := WithContext(t.Context(), cfg)
	require.Equal(t, cfg, FromContext(ctx))
	require.Nil(t, FromContext(t.Context()))
}
