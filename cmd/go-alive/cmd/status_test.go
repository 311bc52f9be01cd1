package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	alive "github.com/ozanturksever/go-alive"
	"github.com/ozanturksever/go-alive/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setViper(t *testing.T, key string, value any) {
	t.Helper()
	prev := viper.Get(key)
	viper.Set(key, value)
	t.Cleanup(func() { viper.Set(key, prev) })
}

func TestConnectNATS_UsesCredentials(t *testing.T) {
	ns := testutil.StartNATS(t)
	setViper(t, "nats_url", ns.URL())

	nc, err := connectNATS()
	require.NoError(t, err)
	nc.Close()

	setViper(t, "nats_creds", filepath.Join(t.TempDir(), "missing.creds"))
	_, err = connectNATS()
	assert.Error(t, err, "a configured credentials file must be used")
}

func TestStatus_ReadsStore(t *testing.T) {
	ns := testutil.StartNATS(t)
	setViper(t, "nats_url", ns.URL())
	setViper(t, "nats_creds", "")
	setViper(t, "namespace", "clitest")
	setViper(t, "process_type", "worker")

	var out bytes.Buffer
	statusCmd.SetOut(&out)
	t.Cleanup(func() { statusCmd.SetOut(nil) })

	// Nothing has heartbeated yet.
	assert.ErrorIs(t, runStatus(statusCmd, nil), errStatusNotAlive)
	assert.Contains(t, out.String(), "Alive:        no")

	_, js := ns.JetStream(t)
	ctx := context.Background()
	cfg := alive.Config{Namespace: "clitest"}
	store, err := alive.NewKVStore(ctx, js, alive.KVStoreConfig{
		AliveBucket:     cfg.AliveBucketName(),
		InstancesBucket: cfg.InstancesBucketName(),
		TTL:             time.Minute,
	})
	require.NoError(t, err)
	_, err = store.SetAlive(ctx, "worker", "web-1", time.Minute)
	require.NoError(t, err)
	_, err = alive.NewRegistry(store, alive.WithProcessType("worker")).Register(ctx, "web-1", time.Minute)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, runStatus(statusCmd, nil))
	assert.Contains(t, out.String(), "Alive:        yes (written by web-1")
	assert.Contains(t, out.String(), "web-1")
}
