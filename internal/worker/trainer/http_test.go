package trainer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInput() *Input {
	return &Input{
		TwinID:         "0d9a7a6e-3c56-4df1-9d27-7e2f25b2a111",
		Language:       "en",
		VoiceSampleKey: "twins/x/voice_sample/00-abc-voice.wav",
		FaceImageKeys:  []string{"twins/x/face_images/00-abc-front.jpg"},
	}
}

func TestHTTPTrainer_Train(t *testing.T) {
	tests := []struct {
		name          string
		handler       http.HandlerFunc
		wantArtifact  string
		wantRetryable bool
		wantErr       bool
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				var in Input
				require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
				require.NotEmpty(t, in.TwinID)
				json.NewEncoder(w).Encode(Result{ArtifactKey: "twins/x/artifact/model.bin"})
			},
			wantArtifact: "twins/x/artifact/model.bin",
		},
		{
			name: "server error is retryable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			wantErr:       true,
			wantRetryable: true,
		},
		{
			name: "rate limited is retryable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "slow down", http.StatusTooManyRequests)
			},
			wantErr:       true,
			wantRetryable: true,
		},
		{
			name: "rejected input is not retryable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "unsupported audio codec", http.StatusUnprocessableEntity)
			},
			wantErr:       true,
			wantRetryable: false,
		},
		{
			name: "empty artifact key is retryable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(Result{})
			},
			wantErr:       true,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			trainer := NewHTTPTrainer(srv.URL, 5*time.Second)
			result, err := trainer.Train(context.Background(), testInput())

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantRetryable, IsRetryable(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantArtifact, result.ArtifactKey)
		})
	}
}

func TestHTTPTrainer_UnreachableBackendIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // port is now dead

	trainer := NewHTTPTrainer(srv.URL, time.Second)
	_, err := trainer.Train(context.Background(), testInput())

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestHTTPTrainer_ContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	trainer := NewHTTPTrainer(srv.URL, time.Minute)
	_, err := trainer.Train(ctx, testInput())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsRetryable(err))
}
