// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"

	"github.com/aiku/atl-bridge/pkg/config"
)

func TestGenerateConfig(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"generate-config"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, config.ExampleConfig, out.String())
}

func TestMissingConfigFails(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", t.TempDir() + "/missing.yaml"})
	assert.Error(t, cmd.Execute())
}

func TestNewLoggerLevel(t *testing.T) {
	tests := []struct {
		name     string
		verbose  bool
		logLevel string
		want     zerolog.Level
		wantErr  bool
	}{
		{name: "default", want: zerolog.InfoLevel},
		{name: "verbose", verbose: true, logLevel: "warn", want: zerolog.DebugLevel},
		{name: "env", logLevel: "warn", want: zerolog.WarnLevel},
		{name: "bad env", logLevel: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Logging.MinLevel = ptr.Ptr(zerolog.InfoLevel)
			cfg.Logging.Writers = []zeroconfig.WriterConfig{{Type: zeroconfig.WriterTypeStdout, Format: zeroconfig.LogFormatJSON}}
			cfg.Env.LogLevel = tt.logLevel
			log, err := newLogger(&cfg, tt.verbose)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if got := log.GetLevel(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
