package transcoder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/internal/server/database"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name     string
		category database.Category
		raw      string
		wantErr  bool
		wantName string
	}{
		{"plain video action", database.CategoryVideo, "mute", false, "mute"},
		{"convert with format and quality", database.CategoryVideo, "convert_video:webm:1080p", false, "convert_video"},
		{"unknown quality", database.CategoryVideo, "convert_video:mp4:4k", true, ""},
		{"unsupported video target", database.CategoryVideo, "convert_video:avi", true, ""},
		{"audio format", database.CategoryAudio, "convert_audio:flac", false, "convert_audio"},
		{"unknown audio format", database.CategoryAudio, "convert_audio:xyz", true, ""},
		{"wrong category", database.CategoryAudio, "thumbnail", true, ""},
		{"unknown action", database.CategoryVideo, "explode", true, ""},
		{"too many args", database.CategoryVideo, "mute:now", true, ""},
		{"gif timing", database.CategoryVideo, "gif:2.5:3", false, "gif"},
		{"gif zero duration", database.CategoryVideo, "gif:0:0", true, ""},
		{"archive any category", database.CategoryDocument, "archive", false, "archive"},
		{"trim seconds", database.CategoryVideo, "trim:10:25.5", false, "trim"},
		{"trim durations on audio", database.CategoryAudio, "trim:1m30s:2m", false, "trim"},
		{"trim needs an end", database.CategoryVideo, "trim:10", true, ""},
		{"trim end before start", database.CategoryVideo, "trim:30:10", true, ""},
		{"trim negative", database.CategoryVideo, "trim:-5:10", true, ""},
		{"trim garbage", database.CategoryVideo, "trim:soon:later", true, ""},
		{"compress to target", database.CategoryVideo, "compress_video:25", false, "compress_video"},
		{"compress needs target", database.CategoryVideo, "compress_video", true, ""},
		{"compress zero target", database.CategoryVideo, "compress_video:0", true, ""},
		{"compress audio file", database.CategoryAudio, "compress_video:25", true, ""},
		{"effect default intensity", database.CategoryAudio, "audio_effect:8d", false, "audio_effect"},
		{"effect with intensity", database.CategoryAudio, "audio_effect:reverb:1.5", false, "audio_effect"},
		{"unknown effect", database.CategoryAudio, "audio_effect:robot", true, ""},
		{"effect intensity out of range", database.CategoryAudio, "audio_effect:chorus:9", true, ""},
		{"effect on video", database.CategoryVideo, "audio_effect:8d", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act, err := ParseAction(tt.category, tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedAction)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, act.Name)
			assert.Equal(t, tt.raw, act.String())
		})
	}
}

func TestCategoryOf(t *testing.T) {
	tests := map[string]database.Category{
		"movie.MKV":  database.CategoryVideo,
		"song.flac":  database.CategoryAudio,
		"subs.srt":   database.CategoryDocument,
		"report.pdf": database.CategoryDocument,
	}
	for name, want := range tests {
		got, ok := CategoryOf(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := CategoryOf("binary.exe")
	assert.False(t, ok)
	_, ok = CategoryOf("noext")
	assert.False(t, ok)
}

func TestActions(t *testing.T) {
	assert.Equal(t, []string{"adjust_audio", "archive", "audio_effect", "compress_audio", "convert_audio", "trim"}, Actions(database.CategoryAudio))
	assert.Equal(t, []string{"archive"}, Actions(database.CategoryDocument))
}

func TestBuildArgs(t *testing.T) {
	base := database.UserSettings{
		Metadata: true,
		Audio:    database.AudioSettings{Bitrate: "192k", SampleRate: 44100, Channels: 2, Speed: 1, Volume: 100, CompressQuality: 5},
		Tags:     map[string]string{"title": "Song", "artist": "Band"},
	}

	tests := []struct {
		name     string
		action   Action
		settings func(s *database.UserSettings)
		duration time.Duration
		want     string
	}{
		{
			name:   "convert video to webm",
			action: Action{Name: "convert_video", Args: []string{"webm", "480p"}},
			want:   "-i in -s 854x480 -b:v 1200k -c:v libvpx-vp9 out",
		},
		{
			name:   "convert video default",
			action: Action{Name: "convert_video"},
			want:   "-i in -s 1280x720 -b:v 2500k -c:v libx264 -preset medium out",
		},
		{
			name:   "adjust audio filters",
			action: Action{Name: "adjust_audio"},
			settings: func(s *database.UserSettings) {
				s.Audio.Speed = 1.5
				s.Audio.Volume = 80
			},
			want: "-i in -af atempo=1.5,volume=0.8 -c:a libmp3lame -b:a 192k -ar 44100 -ac 2 -metadata artist=Band -metadata title=Song out",
		},
		{
			name:   "compress audio uses vbr quality",
			action: Action{Name: "compress_audio"},
			want:   "-i in -vn -c:a libmp3lame -q:a 5 -ar 44100 -ac 2 -metadata artist=Band -metadata title=Song out",
		},
		{
			name:   "lossless target drops bitrate and strips metadata",
			action: Action{Name: "convert_audio", Args: []string{"flac"}},
			settings: func(s *database.UserSettings) {
				s.Metadata = false
			},
			want: "-i in -vn -ar 44100 -ac 2 -map_metadata -1 out",
		},
		{
			name:   "mute copies streams",
			action: Action{Name: "mute"},
			want:   "-i in -c copy -an out",
		},
		{
			name:   "gif seeks before input",
			action: Action{Name: "gif", Args: []string{"3", "2"}},
			want:   "-ss 3 -t 2 -i in -vf fps=10,scale=480:-1:flags=lanczos -c:v gif out",
		},
		{
			name:   "trim copies the window",
			action: Action{Name: "trim", Args: []string{"1m30s", "100.5"}},
			want:   "-i in -ss 90 -to 100.5 -c copy out",
		},
		{
			name:     "compress spreads target over duration",
			action:   Action{Name: "compress_video", Args: []string{"10"}},
			duration: 64 * time.Second,
			want:     "-i in -c:v libx264 -b:v 1152k -preset medium -c:a aac -b:a 128k out",
		},
		{
			name:     "compress floors tiny budgets",
			action:   Action{Name: "compress_video", Args: []string{"1"}},
			duration: time.Hour,
			want:     "-i in -c:v libx264 -b:v 100k -preset medium -c:a aac -b:a 128k out",
		},
		{
			name:   "reverb scales with intensity",
			action: Action{Name: "audio_effect", Args: []string{"reverb", "1.5"}},
			want:   "-i in -vn -af aecho=0.8:0.9:1500:0.5 -c:a libmp3lame -b:a 192k -ar 44100 -ac 2 -metadata artist=Band -metadata title=Song out",
		},
		{
			name:   "8d effect",
			action: Action{Name: "audio_effect", Args: []string{"8d"}},
			settings: func(s *database.UserSettings) {
				s.Metadata = false
			},
			want: "-i in -vn -af apulsator=hz=0.08 -c:a libmp3lame -b:a 192k -ar 44100 -ac 2 -map_metadata -1 out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := base.Clone()
			if tt.settings != nil {
				tt.settings(&st)
			}
			got := strings.Join(buildArgs(tt.action, "in", "out", st, tt.duration), " ")
			assert.True(t, strings.HasPrefix(got, "-y -hide_banner -loglevel error "), got)
			assert.True(t, strings.HasSuffix(got, tt.want), got)
		})
	}
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "clip.webm", outputName("clip.mp4", Action{Name: "convert_video", Args: []string{"webm"}}, false))
	assert.Equal(t, "clip_mute.mp4", outputName("clip.mp4", Action{Name: "mute"}, true))
	assert.Equal(t, "clip.jpg", outputName("../../clip.mp4", Action{Name: "thumbnail"}, false))
	assert.Equal(t, "clip.mkv", outputName("clip.mkv", Action{Name: "trim", Args: []string{"0", "5"}}, false))
	assert.Equal(t, "clip.mp4", outputName("clip.webm", Action{Name: "compress_video", Args: []string{"25"}}, false))
	assert.Equal(t, "song_audio_effect.mp3", outputName("song.flac", Action{Name: "audio_effect", Args: []string{"8d"}}, true))
}

func TestToolErrorTruncatesStderr(t *testing.T) {
	long := strings.Repeat("noise line\n", 200) + "the real cause"
	err := &ToolError{Action: "mute", ExitCode: 1, Stderr: long}
	msg := err.Error()
	assert.Less(t, len(msg), 500)
	assert.True(t, strings.HasSuffix(msg, "the real cause"))
}
