package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: " warn ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("json filters by level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := New(Config{Level: "warn", Format: "json", Output: &buf})
		require.NoError(t, err)
		defer closer.Close()

		logger.Info("hidden")
		logger.Warn("chunk failed", "run_id", 7)
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), `"msg":"chunk failed"`)
		assert.Contains(t, buf.String(), `"run_id":7`)
	})

	t.Run("text with file sink", func(t *testing.T) {
		var buf bytes.Buffer
		path := filepath.Join(t.TempDir(), "tradefed.log")
		logger, closer, err := New(Config{Output: &buf, File: path})
		require.NoError(t, err)

		logger.Info("barrier fired", "run_id", 3)
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "barrier fired")
		assert.Contains(t, buf.String(), "run_id=3")
	})

	t.Run("invalid format", func(t *testing.T) {
		_, _, err := New(Config{Format: "xml"})
		assert.Error(t, err)
	})

	t.Run("invalid level", func(t *testing.T) {
		_, _, err := New(Config{Level: "loud"})
		assert.Error(t, err)
	})
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	scoped := slog.New(slog.NewTextHandler(&buf, nil)).With("request_id", "r-1")
	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	tests := []struct {
		name string
		ctx  context.Context
		want *slog.Logger
	}{
		{name: "stored logger", ctx: WithLogger(context.Background(), scoped), want: scoped},
		{name: "fallback", ctx: context.Background(), want: fallback},
		{name: "nil stored logger", ctx: WithLogger(context.Background(), nil), want: fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.want, FromContext(tt.ctx, fallback))
		})
	}

	assert.Same(t, slog.Default(), FromContext(context.Background(), nil))

	FromContext(WithLogger(context.Background(), scoped), fallback).Info("hello")
	assert.Contains(t, buf.String(), "request_id=r-1")
}
