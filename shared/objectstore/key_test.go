package objectstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildObjectKey(t *testing.T) {
	tests := []struct {
		name       string
		twinID     string
		role       string
		seq        int
		filename   string
		wantPrefix string
		wantSuffix string
	}{
		{
			name:       "voice sample",
			twinID:     "9f1c7e92-0000-4000-8000-000000000001",
			role:       "voice_sample",
			seq:        0,
			filename:   "sample.wav",
			wantPrefix: "twins/9f1c7e92-0000-4000-8000-000000000001/voice_sample/00-",
			wantSuffix: "-sample.wav",
		},
		{
			name:       "face image with sequence",
			twinID:     "9f1c7e92-0000-4000-8000-000000000001",
			role:       "face_images",
			seq:        2,
			filename:   "me.jpg",
			wantPrefix: "twins/9f1c7e92-0000-4000-8000-000000000001/face_images/02-",
			wantSuffix: "-me.jpg",
		},
		{
			name:       "filename with path and spaces is sanitized",
			twinID:     "abc",
			role:       "face_images",
			seq:        0,
			filename:   "../etc/my photo.png",
			wantPrefix: "twins/abc/face_images/00-",
			wantSuffix: "-my_photo.png",
		},
		{
			name:       "empty filename falls back",
			twinID:     "abc",
			role:       "voice_sample",
			seq:        0,
			filename:   "",
			wantPrefix: "twins/abc/voice_sample/00-",
			wantSuffix: "-file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := BuildObjectKey(tt.twinID, tt.role, tt.seq, tt.filename)

			assert.True(t, strings.HasPrefix(key, tt.wantPrefix), "key %q should start with %q", key, tt.wantPrefix)
			assert.True(t, strings.HasSuffix(key, tt.wantSuffix), "key %q should end with %q", key, tt.wantSuffix)
			assert.NotContains(t, key, "..")
			assert.NotContains(t, key, " ")
		})
	}
}

func TestBuildObjectKey_Uniqueness(t *testing.T) {
	// Same inputs must never collide; the random suffix distinguishes re-uploads
	a := BuildObjectKey("twin-1", "voice_sample", 0, "sample.wav")
	b := BuildObjectKey("twin-1", "voice_sample", 0, "sample.wav")
	assert.NotEqual(t, a, b)
}

func TestTwinPrefix(t *testing.T) {
	prefix := TwinPrefix("twin-1")
	assert.Equal(t, "twins/twin-1/", prefix)

	key := BuildObjectKey("twin-1", "face_images", 0, "a.jpg")
	assert.True(t, strings.HasPrefix(key, prefix))
}
