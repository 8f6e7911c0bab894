package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skipor/flatcache/log"
)

func TestParseDefaults(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, ":11211", s.ListenAddr)
	require.Equal(t, log.InfoLevel, s.LogLevel)
}

func TestParseOverridesFlags(t *testing.T) {
	s, err := Parse([]string{
		"--listen", ":9999",
		"--log-level", "DEBUG",
		"--max-bytes", "8388608",
		"--large-chunk-size", "65536",
		"--small-chunk-size", "4096",
		"--increment-delta", "65536",
	})
	require.NoError(t, err)
	require.Equal(t, ":9999", s.ListenAddr)
	require.Equal(t, log.DebugLevel, s.LogLevel)
	require.EqualValues(t, 8388608, s.Flat.MaxBytes)
	require.EqualValues(t, 65536, s.Flat.LargeChunkSz)
	require.EqualValues(t, 4096, s.Flat.SmallChunkSz)
}

func TestParseRejectsBadLogLevel(t *testing.T) {
	_, err := Parse([]string{"--log-level", "VERBOSE"})
	require.Error(t, err)
}

func TestParseRejectsInvalidFlatConfig(t *testing.T) {
	_, err := Parse([]string{"--large-chunk-size", "100", "--small-chunk-size", "64"})
	require.Error(t, err)
}

func TestOldestLiveDefaultsToZero(t *testing.T) {
	s := &Settings{}
	require.EqualValues(t, 0, s.OldestLive())
	s.SetOldestLive(42)
	require.EqualValues(t, 42, s.OldestLive())
}
