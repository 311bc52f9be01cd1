package alive

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ozanturksever/go-alive/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	f := newHeartbeatFixture(t, Config{})

	tests := []struct {
		name    string
		nc      *nats.Conn
		hb      *Heartbeat
		wantErr bool
	}{
		{name: "nil connection", nc: nil, hb: f.hb, wantErr: true},
		{name: "nil heartbeat", nc: &nats.Conn{}, hb: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(Config{}, tt.nc, tt.hb)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusSubject(t *testing.T) {
	tests := []struct {
		namespace string
		instance  string
		want      string
	}{
		{"alive", "web-1", "alive_alive.status.web-1"},
		{"billing", "web-1.example.com-42", "billing_alive.status.web-1_example_com-42"},
	}

	for _, tt := range tests {
		t.Run(tt.namespace+"-"+tt.instance, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusSubject(tt.namespace, tt.instance))
		})
	}

	assert.Equal(t, "billing_alive.instances", InstancesSubject("billing"))
}

func TestService_StatusAndInstances(t *testing.T) {
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)

	f := newHeartbeatFixture(t, Config{Namespace: "svc", InstanceID: "web-1"})

	svc, err := NewService(Config{Namespace: "svc", ProcessType: "worker"}, nc, f.hb)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	assert.ErrorIs(t, svc.Start(), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := QueryStatus(ctx, nc, "svc", "web-1")
	require.NoError(t, err)
	assert.Equal(t, "web-1", status.InstanceID)
	assert.Equal(t, "worker", status.ProcessType)
	assert.False(t, status.Alive)
	assert.Equal(t, int64(60000), status.TTLMs)

	require.NoError(t, f.hb.RunCycle(ctx, "host-a"))

	status, err = QueryStatus(ctx, nc, "svc", "web-1")
	require.NoError(t, err)
	assert.True(t, status.Alive)

	instances, err := QueryInstances(ctx, nc, "svc")
	require.NoError(t, err)
	require.Equal(t, 1, instances.Count)
	assert.Equal(t, "web-1", instances.Instances[0].ID)
}

func TestService_UnknownInstance(t *testing.T) {
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := QueryStatus(ctx, nc, "svc", "nobody")
	assert.Error(t, err)
}

func TestService_StopIsIdempotent(t *testing.T) {
	ns := testutil.StartNATS(t)
	nc := ns.Connect(t)
	f := newHeartbeatFixture(t, Config{})

	svc, err := NewService(Config{}, nc, f.hb)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
}
