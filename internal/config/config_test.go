// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"testing"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var c Config
	require.NoError(t, cleanenv.ReadEnv(&c))
	require.NoError(t, postprocess(&c))

	require.Equal(t, "memory", c.Device)
	require.Equal(t, uint64(8<<30), c.Size)
	require.Equal(t, uint64(4096), c.BlockSize)
	require.Equal(t, uint64(4<<20), c.Placement.SegmentSize)
	require.Equal(t, uint64(1<<20), c.Cache.NodeSize)
	require.Equal(t, "serializable", c.Cache.Policy)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("COWSTORE_DEVICE", "null")
	t.Setenv("COWSTORE_BLOCKSIZE", "1000")
	t.Setenv("COWSTORE_CACHE_POLICY", "snapshot")

	var c Config
	require.NoError(t, cleanenv.ReadEnv(&c))
	require.NoError(t, postprocess(&c))

	require.Equal(t, "null", c.Device)
	require.Equal(t, uint64(4096), c.BlockSize)
	require.Equal(t, "snapshot", c.Cache.Policy)
}

func TestInvalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"device":  {"COWSTORE_DEVICE", "floppy"},
		"policy":  {"COWSTORE_CACHE_POLICY", "optimistic"},
		"segment": {"COWSTORE_PLACEMENT_SEGMENTSIZE", "0"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])

			var c Config
			require.NoError(t, cleanenv.ReadEnv(&c))
			require.Error(t, postprocess(&c))
		})
	}
}
