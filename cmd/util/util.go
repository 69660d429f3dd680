// Package util binds voxpipe's cobra flags and environment variables to
// viper keys, and prepares isolated config directories for command tests.
package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// EnvPrefix prefixes every environment variable voxpipe reads.
const EnvPrefix = "VOXPIPE"

// EnvName returns the environment variable of a viper key, e.g.
// VOXPIPE_TRACE_SAMPLE_RATIO for trace.sampleRatio.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	b.WriteByte('_')
	for i, r := range key {
		switch {
		case r == '.' || r == '-':
			b.WriteByte('_')
		case unicode.IsUpper(r) && i > 0:
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// MustBind binds the viper key to the named flag of flags and to the
// environment variable EnvName(key). It panics if the flag does not exist.
func MustBind(flags *pflag.FlagSet, flag, key string) {
	f := flags.Lookup(flag)
	if f == nil {
		panic("no flag named " + flag)
	}
	MustBindPFlag(key, f)
	MustBindEnv(key, EnvName(key))
}

func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// PrepareTempConfigDir points $HOME to a temporary directory and returns the
// .voxpipe config directory inside it.
func PrepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/voxpipe/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "a config file at /etc/voxpipe/config.yaml would leak into the test")

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".voxpipe")
	require.NoError(t, os.Mkdir(dir, 0750))
	return dir
}

// PrepareTempConfigFile writes config to config.yaml of a fresh config
// directory.
func PrepareTempConfigFile(t *testing.T, config string) {
	dir := PrepareTempConfigDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(config), 0600))
}
