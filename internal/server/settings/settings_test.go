package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/internal/server/database"
)

func ptr[T any](v T) *T { return &v }

func newStore() *Store {
	return NewStore(database.NewMemoryStore())
}

func TestGetCreatesDefaults(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	got, err := s.Get(ctx, "new-user")
	require.NoError(t, err)

	want := Defaults("new-user", got.CreatedAt)
	assert.Equal(t, want, got)
	assert.True(t, got.Thumbnail)
	assert.True(t, got.Metadata)
	assert.Equal(t, database.UploadVideo, got.UploadMode)
	assert.Equal(t, "192k", got.Audio.Bitrate)
	assert.Equal(t, 44100, got.Audio.SampleRate)
	assert.Equal(t, 5, got.Audio.CompressQuality)
	assert.NotNil(t, got.Tags)

	again, err := s.Get(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, got.CreatedAt, again.CreatedAt, "defaults are created once")
}

func TestUpdateTouchesOnlyNamedFields(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	got, err := s.Update(ctx, "u", Patch{
		BulkMode: ptr(true),
		Audio:    &AudioPatch{Bitrate: ptr("320k")},
	})
	require.NoError(t, err)
	assert.True(t, got.BulkMode)
	assert.Equal(t, "320k", got.Audio.Bitrate)
	assert.Equal(t, 44100, got.Audio.SampleRate)
	assert.Equal(t, 100, got.Audio.Volume)
	assert.True(t, got.Thumbnail)

	got, err = s.Update(ctx, "u", Patch{Thumbnail: ptr(false)})
	require.NoError(t, err)
	assert.True(t, got.BulkMode, "earlier update must survive")
	assert.Equal(t, "320k", got.Audio.Bitrate)
	assert.False(t, got.Thumbnail)
}

func TestUpdateClampsRanges(t *testing.T) {
	tests := []struct {
		name  string
		patch AudioPatch
		check func(t *testing.T, a database.AudioSettings)
	}{
		{"quality above range", AudioPatch{CompressQuality: ptr(14)}, func(t *testing.T, a database.AudioSettings) {
			assert.Equal(t, 10, a.CompressQuality)
		}},
		{"quality below range", AudioPatch{CompressQuality: ptr(-2)}, func(t *testing.T, a database.AudioSettings) {
			assert.Equal(t, 0, a.CompressQuality)
		}},
		{"volume", AudioPatch{Volume: ptr(250)}, func(t *testing.T, a database.AudioSettings) {
			assert.Equal(t, 200, a.Volume)
		}},
		{"speed", AudioPatch{Speed: ptr(0.1)}, func(t *testing.T, a database.AudioSettings) {
			assert.Equal(t, 0.5, a.Speed)
		}},
		{"channels", AudioPatch{Channels: ptr(6)}, func(t *testing.T, a database.AudioSettings) {
			assert.Equal(t, 2, a.Channels)
		}},
		{"in range untouched", AudioPatch{Speed: ptr(1.5), Volume: ptr(150)}, func(t *testing.T, a database.AudioSettings) {
			assert.Equal(t, 1.5, a.Speed)
			assert.Equal(t, 150, a.Volume)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newStore().Update(context.Background(), "u", Patch{Audio: &tt.patch})
			require.NoError(t, err)
			tt.check(t, got.Audio)
		})
	}
}

func TestUpdateRejectsUnknownValues(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	tests := []struct {
		name  string
		patch Patch
	}{
		{"bitrate", Patch{Audio: &AudioPatch{Bitrate: ptr("999k")}}},
		{"sample rate", Patch{Audio: &AudioPatch{SampleRate: ptr(12345)}}},
		{"upload mode", Patch{UploadMode: ptr(database.UploadMode("hologram"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Update(ctx, "u", tt.patch)
			assert.ErrorIs(t, err, ErrInvalidSetting)
		})
	}

	got, err := s.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "192k", got.Audio.Bitrate, "rejected patch must not be stored")
}

func TestUpdateTags(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	got, err := s.Update(ctx, "u", Patch{Tags: map[string]string{"artist": "A", "album": "B"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"artist": "A", "album": "B"}, got.Tags)

	got, err = s.Update(ctx, "u", Patch{Tags: map[string]string{"album": "", "year": "2024"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"artist": "A", "year": "2024"}, got.Tags)

	got, err = s.Update(ctx, "u", Patch{ClearTags: true, Tags: map[string]string{"title": "T"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"title": "T"}, got.Tags)
}

func TestResetRestoresDefaults(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	initial, err := s.Get(ctx, "u")
	require.NoError(t, err)

	s.now = func() time.Time { return initial.CreatedAt.Add(time.Hour) }
	_, err = s.Update(ctx, "u", Patch{
		BulkMode:    ptr(true),
		RenameFiles: ptr(true),
		UploadMode:  ptr(database.UploadDocument),
		Audio:       &AudioPatch{Volume: ptr(20), Compress: ptr(true)},
		Tags:        map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	reset, err := s.Reset(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, initial.CreatedAt, reset.CreatedAt)

	reset.UpdatedAt = initial.UpdatedAt
	assert.Equal(t, initial, reset)
}

type failingSettings struct{}

func (failingSettings) GetSettings(context.Context, string) (*database.UserSettings, error) {
	return nil, database.ErrStoreUnavailable
}

func (failingSettings) SaveSettings(context.Context, *database.UserSettings) error {
	return database.ErrStoreUnavailable
}

func TestStoreFailurePropagates(t *testing.T) {
	_, err := NewStore(failingSettings{}).Get(context.Background(), "u")
	assert.True(t, errors.Is(err, database.ErrStoreUnavailable))
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, "u", Patch{Tags: map[string]string{fmt.Sprintf("k%d", i): "v"}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, got.Tags, 25)
}
