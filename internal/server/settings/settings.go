package settings

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"mediagate/internal/server/database"
	"mediagate/internal/server/keylock"
)

// ErrInvalidSetting is returned for values outside a closed set, such as an
// unknown bitrate. Numeric ranges are clamped instead.
var ErrInvalidSetting = errors.New("invalid setting")

var (
	Bitrates    = []string{"128k", "192k", "256k", "320k"}
	SampleRates = []int{22050, 44100, 48000}
)

// Defaults returns the settings every new user starts with.
func Defaults(userID string, now time.Time) database.UserSettings {
	return database.UserSettings{
		UserID:      userID,
		BulkMode:    false,
		Thumbnail:   true,
		RenameFiles: false,
		UploadMode:  database.UploadVideo,
		Metadata:    true,
		Audio: database.AudioSettings{
			Bitrate:         "192k",
			SampleRate:      44100,
			Channels:        2,
			Speed:           1.0,
			Volume:          100,
			Compress:        false,
			CompressQuality: 5,
		},
		Tags:      map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Patch names the fields to change. Nil fields are left alone.
type Patch struct {
	BulkMode    *bool                `json:"bulk_mode,omitempty"`
	Thumbnail   *bool                `json:"thumbnail,omitempty"`
	RenameFiles *bool                `json:"rename_files,omitempty"`
	UploadMode  *database.UploadMode `json:"upload_mode,omitempty"`
	Metadata    *bool                `json:"metadata,omitempty"`
	Audio       *AudioPatch          `json:"audio,omitempty"`
	// Tags are merged key by key; an empty value removes the key.
	Tags      map[string]string `json:"tags,omitempty"`
	ClearTags bool              `json:"clear_tags,omitempty"`
}

type AudioPatch struct {
	Bitrate         *string  `json:"bitrate,omitempty"`
	SampleRate      *int     `json:"sample_rate,omitempty"`
	Channels        *int     `json:"channels,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	Volume          *int     `json:"volume,omitempty"`
	Compress        *bool    `json:"compress,omitempty"`
	CompressQuality *int     `json:"compress_quality,omitempty"`
}

// Store serves per-user settings. A record always exists once asked for.
type Store struct {
	db    database.SettingsStore
	locks *keylock.Map
	now   func() time.Time
}

func NewStore(db database.SettingsStore) *Store {
	return &Store{
		db:    db,
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the user's settings, creating the defaults on first access.
func (s *Store) Get(ctx context.Context, userID string) (database.UserSettings, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.load(ctx, userID)
}

func (s *Store) Update(ctx context.Context, userID string, p Patch) (database.UserSettings, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	current, err := s.load(ctx, userID)
	if err != nil {
		return database.UserSettings{}, err
	}
	next, err := apply(current, p)
	if err != nil {
		return database.UserSettings{}, err
	}
	next.UpdatedAt = s.now()
	if err := s.db.SaveSettings(ctx, &next); err != nil {
		return database.UserSettings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	return next, nil
}

// Reset restores every field to its default. The user ID and creation time
// are kept.
func (s *Store) Reset(ctx context.Context, userID string) (database.UserSettings, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	current, err := s.load(ctx, userID)
	if err != nil {
		return database.UserSettings{}, err
	}
	next := Defaults(userID, s.now())
	next.CreatedAt = current.CreatedAt
	if err := s.db.SaveSettings(ctx, &next); err != nil {
		return database.UserSettings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	return next, nil
}

// load must be called with the user's lock held.
func (s *Store) load(ctx context.Context, userID string) (database.UserSettings, error) {
	st, err := s.db.GetSettings(ctx, userID)
	if err == nil {
		return st.Clone(), nil
	}
	if !errors.Is(err, database.ErrSettingsNotFound) {
		return database.UserSettings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	def := Defaults(userID, s.now())
	if err := s.db.SaveSettings(ctx, &def); err != nil {
		return database.UserSettings{}, fmt.Errorf("failed to create default settings: %w", err)
	}
	return def, nil
}

func apply(st database.UserSettings, p Patch) (database.UserSettings, error) {
	if p.BulkMode != nil {
		st.BulkMode = *p.BulkMode
	}
	if p.Thumbnail != nil {
		st.Thumbnail = *p.Thumbnail
	}
	if p.RenameFiles != nil {
		st.RenameFiles = *p.RenameFiles
	}
	if p.UploadMode != nil {
		switch *p.UploadMode {
		case database.UploadVideo, database.UploadAudio, database.UploadDocument:
			st.UploadMode = *p.UploadMode
		default:
			return st, fmt.Errorf("%w: upload mode %q", ErrInvalidSetting, *p.UploadMode)
		}
	}
	if p.Metadata != nil {
		st.Metadata = *p.Metadata
	}
	if p.Audio != nil {
		audio, err := applyAudio(st.Audio, *p.Audio)
		if err != nil {
			return st, err
		}
		st.Audio = audio
	}

	if p.ClearTags {
		st.Tags = map[string]string{}
	}
	for k, v := range p.Tags {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v == "" {
			delete(st.Tags, k)
			continue
		}
		st.Tags[k] = v
	}
	return st, nil
}

func applyAudio(a database.AudioSettings, p AudioPatch) (database.AudioSettings, error) {
	if p.Bitrate != nil {
		if !slices.Contains(Bitrates, *p.Bitrate) {
			return a, fmt.Errorf("%w: bitrate %q", ErrInvalidSetting, *p.Bitrate)
		}
		a.Bitrate = *p.Bitrate
	}
	if p.SampleRate != nil {
		if !slices.Contains(SampleRates, *p.SampleRate) {
			return a, fmt.Errorf("%w: sample rate %d", ErrInvalidSetting, *p.SampleRate)
		}
		a.SampleRate = *p.SampleRate
	}
	if p.Channels != nil {
		a.Channels = clamp(*p.Channels, 1, 2)
	}
	if p.Speed != nil {
		a.Speed = clamp(*p.Speed, 0.5, 2.0)
	}
	if p.Volume != nil {
		a.Volume = clamp(*p.Volume, 0, 200)
	}
	if p.Compress != nil {
		a.Compress = *p.Compress
	}
	if p.CompressQuality != nil {
		a.CompressQuality = clamp(*p.CompressQuality, 0, 10)
	}
	return a, nil
}

func clamp[T int | float64](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
