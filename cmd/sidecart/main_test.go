package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_MissingConfig(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		want    []string
	}{
		{
			name:    "empty environment",
			environ: map[string]string{},
			want:    []string{"DB_HOST", "DB_NAME", "DB_PASSWORD", "DB_PORT", "DB_USERNAME"},
		},
		{
			name: "missing host",
			environ: map[string]string{
				"DB_PORT": "5432", "DB_NAME": "app", "DB_USERNAME": "u", "DB_PASSWORD": "p",
			},
			want: []string{"DB_HOST"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.environ, &stdout, &stderr)

			assert.Equal(t, 1, code)
			for _, name := range tt.want {
				assert.Contains(t, stderr.String(), name)
			}
			assert.Empty(t, stdout.String())
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), map[string]string{
		"DB_HOST": "db", "DB_PORT": "70000", "DB_NAME": "app", "DB_USERNAME": "u", "DB_PASSWORD": "hunter2",
	}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "DB_PORT")
	assert.NotContains(t, stderr.String(), "hunter2")
}

func TestRun_UnreachableDatabase(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), map[string]string{
		"DB_HOST":            "127.0.0.1",
		"DB_PORT":            "1",
		"DB_NAME":            "app",
		"DB_USERNAME":        "u",
		"DB_PASSWORD":        "hunter2",
		"DB_SSLMODE":         "disable",
		"DB_CONNECT_TIMEOUT": "1",
		"LOG_FORMAT":         "json",
	}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "failed to initialize application")
	assert.Contains(t, stdout.String(), "127.0.0.1:1/app")
	assert.NotContains(t, stdout.String(), "hunter2")
}
