package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	twinID := uuid.NewString()

	tests := []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{
			name: "valid job",
			body: []byte(`{"kind":"process_twin","twin_id":"` + twinID + `","attempt":0}`),
		},
		{
			name:    "unknown kind",
			body:    []byte(`{"kind":"resize_image","twin_id":"` + twinID + `"}`),
			wantErr: ErrUnknownKind,
		},
		{
			name:    "twin id not a uuid",
			body:    []byte(`{"kind":"process_twin","twin_id":"not-a-uuid"}`),
			wantErr: ErrInvalidTwinID,
		},
		{
			name:    "malformed json",
			body:    []byte(`{"kind":`),
			wantErr: nil, // wrapped json error, checked below
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := Unmarshal(tt.body)

			switch {
			case tt.wantErr != nil:
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, job)
			case tt.name == "malformed json":
				require.Error(t, err)
				assert.Nil(t, job)
			default:
				require.NoError(t, err)
				assert.Equal(t, JobKindProcessTwin, job.Kind)
				assert.Equal(t, twinID, job.TwinID)
			}
		})
	}
}

func TestJob_RoundTrip(t *testing.T) {
	job := NewProcessTwinJob(uuid.NewString())

	body, err := job.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(body)
	require.NoError(t, err)
	assert.Equal(t, job.TwinID, decoded.TwinID)
	assert.Equal(t, 1, decoded.Attempt)
}

func TestJob_NextAttempt(t *testing.T) {
	job := NewProcessTwinJob(uuid.NewString())

	next := job.NextAttempt()
	assert.Equal(t, job.TwinID, next.TwinID)
	assert.Equal(t, 2, next.Attempt)

	assert.Equal(t, 3, next.NextAttempt().Attempt)
}
