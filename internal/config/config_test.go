package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/meshfetch/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
temp_dir: "` + filepath.ToSlash(dir) + `"
store_dir: "/var/lib/meshfetch"
log_level: "debug"
metrics_listen: "127.0.0.1:9090"
audit_log: "~/meshfetch/audit.log"
fetch:
  max_non_splitfile_retries: 5
  max_splitfile_block_retries: 7
  max_archive_restarts: 4
  max_redirects: 2
  max_output_size: "64 MiB"
  workers: 16
insert:
  block_size: 65536
`
	configPath := testutil.TempFile(t, dir, "meshfetch.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.ToSlash(dir), cfg.TempDir)
	assert.Equal(t, "/var/lib/meshfetch", cfg.StoreDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsListen)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "meshfetch", "audit.log"), cfg.AuditLog)
	assert.Equal(t, 5, cfg.Fetch.MaxNonSplitfileRetries)
	assert.Equal(t, 7, cfg.Fetch.MaxSplitfileBlockRetries)
	assert.Equal(t, 4, cfg.Fetch.MaxArchiveRestarts)
	assert.Equal(t, 2, cfg.Fetch.MaxRedirects)
	assert.Equal(t, int64(64<<20), cfg.Fetch.MaxOutputSize.Bytes())
	assert.Equal(t, 16, cfg.Fetch.Workers)
	assert.Equal(t, int64(65536), cfg.Insert.BlockSize.Bytes())
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "meshfetch.yaml", "log_level: warn\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, DefaultMaxNonSplitfileRetries, cfg.Fetch.MaxNonSplitfileRetries)
	assert.Equal(t, DefaultMaxSplitfileBlockRetries, cfg.Fetch.MaxSplitfileBlockRetries)
	assert.Equal(t, DefaultMaxArchiveRestarts, cfg.Fetch.MaxArchiveRestarts)
	assert.Equal(t, DefaultMaxRedirects, cfg.Fetch.MaxRedirects)
	assert.Equal(t, DefaultMaxOutputSize, cfg.Fetch.MaxOutputSize)
	assert.Equal(t, DefaultWorkers, cfg.Fetch.Workers)
	assert.Equal(t, DefaultBlockSize, cfg.Insert.BlockSize)
	assert.Empty(t, cfg.TempDir)
	assert.NotContains(t, cfg.StoreDir, "~", "home should be expanded")
}

func TestLoad_ExplicitZeroLimits(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
fetch:
  max_non_splitfile_retries: 0
  max_splitfile_block_retries: 0
  max_archive_restarts: 0
  max_redirects: 0
`
	configPath := testutil.TempFile(t, dir, "meshfetch.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Fetch.MaxNonSplitfileRetries)
	assert.Equal(t, 0, cfg.Fetch.MaxSplitfileBlockRetries)
	assert.Equal(t, 0, cfg.Fetch.MaxArchiveRestarts)
	assert.Equal(t, 0, cfg.Fetch.MaxRedirects)
	assert.Equal(t, DefaultWorkers, cfg.Fetch.Workers, "omitted fields keep their defaults")
	assert.Equal(t, DefaultMaxOutputSize, cfg.Fetch.MaxOutputSize)
}

func TestLoad_PartialFetchSection(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "meshfetch.yaml", "fetch:\n  max_archive_restarts: 5\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Fetch.MaxArchiveRestarts)
	assert.Equal(t, DefaultMaxNonSplitfileRetries, cfg.Fetch.MaxNonSplitfileRetries)
	assert.Equal(t, DefaultMaxRedirects, cfg.Fetch.MaxRedirects)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/meshfetch.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "meshfetch.yaml", "fetch: [invalid yaml\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "negative retries", content: "fetch:\n  max_non_splitfile_retries: -1\n", errMsg: "max_non_splitfile_retries"},
		{name: "negative restarts", content: "fetch:\n  max_archive_restarts: -2\n", errMsg: "max_archive_restarts"},
		{name: "too many workers", content: "fetch:\n  workers: 1000\n", errMsg: "workers"},
		{name: "tiny blocks", content: "insert:\n  block_size: 100\n", errMsg: "block_size"},
		{name: "huge blocks", content: "insert:\n  block_size: 1GiB\n", errMsg: "block_size"},
		{name: "bad size", content: "fetch:\n  max_output_size: lots\n", errMsg: "invalid size"},
		{name: "negative size", content: "fetch:\n  max_output_size: -5\n", errMsg: "negative size"},
		{name: "bad store key", content: "store_key: abcd\n", errMsg: "store_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t)
			defer cleanup()
			configPath := testutil.TempFile(t, dir, "meshfetch.yaml", tt.content)

			_, err := Load(configPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSize_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{input: "1024", want: 1024},
		{input: "32 KiB", want: 32 << 10},
		{input: "1GB", want: 1000 * 1000 * 1000},
		{input: "2MiB", want: 2 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var s Size
			require.NoError(t, yaml.Unmarshal([]byte(tt.input), &s))
			assert.Equal(t, tt.want, s.Bytes())
		})
	}

	var s Size
	assert.Error(t, yaml.Unmarshal([]byte("[1, 2]"), &s))
	assert.Equal(t, "32 KiB", DefaultBlockSize.String())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "store"), expandHome("~/store"))
	assert.Equal(t, "/abs/path", expandHome("/abs/path"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
}

func TestTempDir_Set(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	d := NewTempDir()
	assert.NotEmpty(t, d.Path())

	require.NoError(t, d.Set(dir))
	assert.Equal(t, dir, d.Path())

	other, cleanupOther := testutil.TempDir(t)
	defer cleanupOther()
	err := d.Set(other)
	assert.ErrorIs(t, err, ErrTempDirAlreadySet)
	assert.Equal(t, dir, d.Path())
}

func TestResolveTempDir(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	t.Run("override", func(t *testing.T) {
		d, err := ResolveTempDir(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, d.Path())
	})

	t.Run("default", func(t *testing.T) {
		d, err := ResolveTempDir("")
		require.NoError(t, err)
		assert.Equal(t, DefaultTempDir(), d.Path())
	})

	t.Run("nonexistent is rejected", func(t *testing.T) {
		_, err := ResolveTempDir(filepath.Join(dir, "does", "not", "exist"))
		assert.ErrorIs(t, err, ErrBadTempDir)
	})

	t.Run("file is rejected", func(t *testing.T) {
		file := testutil.TempFile(t, dir, "plain-file", "x")
		_, err := ResolveTempDir(file)
		assert.ErrorIs(t, err, ErrBadTempDir)
	})

	t.Run("unwritable is rejected", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Getuid() == 0 {
			t.Skip("permission bits not enforced")
		}
		ro := filepath.Join(dir, "ro")
		require.NoError(t, os.Mkdir(ro, 0555))
		defer func() { _ = os.Chmod(ro, 0755) }()
		_, err := ResolveTempDir(ro)
		assert.ErrorIs(t, err, ErrBadTempDir)
	})
}

func TestDefaultTempDir_PrefersEnvironment(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	t.Setenv("TMPDIR", dir)
	assert.Equal(t, dir, DefaultTempDir())

	t.Setenv("TMPDIR", filepath.Join(dir, "missing"))
	t.Setenv("TEMP", "")
	t.Setenv("TMP", "")
	got := DefaultTempDir()
	assert.False(t, strings.HasPrefix(got, filepath.Join(dir, "missing")))
	assert.True(t, usableDir(got))
}
