package alive

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHeartbeatJob(t *testing.T) {
	a := NewHeartbeatJob("alive-web-1", "host-a")
	b := NewHeartbeatJob("alive-web-1", "host-a")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, JobKindHeartbeat, a.Kind)
	assert.Equal(t, "host-a", a.Hostname)
	assert.Zero(t, a.Attempt)
	assert.NoError(t, a.Validate())
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name string
		job  Job
	}{
		{name: "missing kind", job: Job{Queue: "q"}},
		{name: "missing queue", job: Job{Kind: JobKindHeartbeat}},
		{name: "bad queue", job: Job{Kind: JobKindHeartbeat, Queue: "a.b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.job.Validate(), ErrInvalidJob)
		})
	}
}

func TestUnmarshalJob(t *testing.T) {
	job := NewHeartbeatJob("alive-web-1", "host-a")
	job.RunAt = time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	data, err := job.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.True(t, job.RunAt.Equal(got.RunAt))

	_, err = UnmarshalJob([]byte("not json"))
	assert.True(t, errors.Is(err, ErrInvalidJob))

	_, err = UnmarshalJob([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(20))
}

func TestDefaultRetryPolicyJitter(t *testing.T) {
	p := DefaultRetryPolicy()

	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 12*time.Second)
		assert.LessOrEqual(t, d, 18*time.Second)
	}
}
