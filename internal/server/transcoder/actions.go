package transcoder

import (
	"fmt"
	"maps"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"mediagate/internal/server/database"
)

// Quality is a video resolution preset.
type Quality struct {
	Name    string
	Size    string
	Bitrate string
}

var Qualities = map[string]Quality{
	"360p":  {Name: "360p", Size: "640x360", Bitrate: "800k"},
	"480p":  {Name: "480p", Size: "854x480", Bitrate: "1200k"},
	"720p":  {Name: "720p", Size: "1280x720", Bitrate: "2500k"},
	"1080p": {Name: "1080p", Size: "1920x1080", Bitrate: "5000k"},
}

var (
	AudioFormats    = []string{"mp3", "wav", "aac", "flac", "m4a", "opus", "ogg", "wma", "ac3"}
	VideoFormats    = []string{"mp4", "mkv", "avi", "mov", "wmv", "flv", "webm", "m4v"}
	DocumentFormats = []string{"txt", "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "zip", "rar", "7z", "json", "srt", "vtt", "ass", "sbv"}

	// video outputs the transcoder can produce
	videoTargets = []string{"mp4", "mkv", "webm"}
)

// audioEffects builds the filter graph for each named effect at a given
// intensity (1 is the stock strength).
var audioEffects = map[string]func(intensity float64) string{
	"8d": func(float64) string { return "apulsator=hz=0.08" },
	"reverb": func(i float64) string {
		return fmt.Sprintf("aecho=0.8:0.9:%d:0.5", int(1000*i))
	},
	"chorus": func(i float64) string {
		return "chorus=0.7:0.9:55:0.4:0.25:" + strconv.FormatFloat(i, 'f', -1, 64)
	},
	"flanger": func(float64) string {
		return "flanger=delay=0:depth=2:regen=0:width=71:speed=0.5:shape=sinusoidal:phase=25"
	},
	"phaser": func(float64) string {
		return "aphaser=in_gain=0.4:out_gain=0.74:delay=3:decay=0.4:speed=0.5:type=t"
	},
}

const (
	maxEffectIntensity = 5
	maxCompressTarget  = 10 << 10 // MB
)

// CategoryOf maps a file name to its category by extension.
func CategoryOf(fileName string) (database.Category, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	switch {
	case ext == "":
		return "", false
	case slices.Contains(VideoFormats, ext):
		return database.CategoryVideo, true
	case slices.Contains(AudioFormats, ext):
		return database.CategoryAudio, true
	case slices.Contains(DocumentFormats, ext):
		return database.CategoryDocument, true
	}
	return "", false
}

// actionDef describes one action: which categories accept it and how many
// colon-separated arguments it takes.
type actionDef struct {
	categories []database.Category
	maxArgs    int
}

var actions = map[string]actionDef{
	"extract_audio":  {categories: []database.Category{database.CategoryVideo}},
	"to_audio":       {categories: []database.Category{database.CategoryVideo}, maxArgs: 1},
	"mute":           {categories: []database.Category{database.CategoryVideo}},
	"thumbnail":      {categories: []database.Category{database.CategoryVideo}},
	"convert_video":  {categories: []database.Category{database.CategoryVideo}, maxArgs: 2},
	"optimize":       {categories: []database.Category{database.CategoryVideo}},
	"gif":            {categories: []database.Category{database.CategoryVideo}, maxArgs: 2},
	"compress_video": {categories: []database.Category{database.CategoryVideo}, maxArgs: 1},
	"trim":           {categories: []database.Category{database.CategoryVideo, database.CategoryAudio}, maxArgs: 2},
	"convert_audio":  {categories: []database.Category{database.CategoryAudio}, maxArgs: 1},
	"adjust_audio":   {categories: []database.Category{database.CategoryAudio}},
	"compress_audio": {categories: []database.Category{database.CategoryAudio}},
	"audio_effect":   {categories: []database.Category{database.CategoryAudio}, maxArgs: 2},
	"archive":        {categories: []database.Category{database.CategoryVideo, database.CategoryAudio, database.CategoryDocument}},
}

// Actions lists the known action names for category, sorted.
func Actions(category database.Category) []string {
	var out []string
	for _, name := range slices.Sorted(maps.Keys(actions)) {
		if slices.Contains(actions[name].categories, category) {
			out = append(out, name)
		}
	}
	return out
}

// Action is a parsed action string of the form "name[:arg[:arg]]", for
// example "convert_video:webm:720p". Times are seconds or Go durations
// ("trim:90:2m30s") since the colon separates arguments.
type Action struct {
	Name string
	Args []string
}

func (a Action) String() string {
	return strings.Join(append([]string{a.Name}, a.Args...), ":")
}

func (a Action) arg(i int, def string) string {
	if i < len(a.Args) && a.Args[i] != "" {
		return a.Args[i]
	}
	return def
}

// ParseAction splits and checks an action string against the file category.
func ParseAction(category database.Category, raw string) (Action, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	act := Action{Name: parts[0], Args: parts[1:]}

	def, ok := actions[act.Name]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, act.Name)
	}
	if !slices.Contains(def.categories, category) {
		return Action{}, fmt.Errorf("%w: %s does not apply to %s files", ErrUnsupportedAction, act.Name, category)
	}
	if len(act.Args) > def.maxArgs {
		return Action{}, fmt.Errorf("%w: %s takes at most %d arguments", ErrUnsupportedAction, act.Name, def.maxArgs)
	}
	if err := checkArgs(act); err != nil {
		return Action{}, err
	}
	return act, nil
}

func checkArgs(act Action) error {
	switch act.Name {
	case "to_audio", "convert_audio":
		if f := act.arg(0, "mp3"); !slices.Contains(AudioFormats, f) {
			return fmt.Errorf("%w: unknown audio format %q", ErrUnsupportedAction, f)
		}
	case "convert_video":
		if f := act.arg(0, "mp4"); !slices.Contains(videoTargets, f) {
			return fmt.Errorf("%w: cannot convert video to %q", ErrUnsupportedAction, f)
		}
		if q := act.arg(1, "720p"); Qualities[q].Name == "" {
			return fmt.Errorf("%w: unknown quality %q", ErrUnsupportedAction, q)
		}
	case "gif":
		for i, def := range []string{"0", "5"} {
			v, err := strconv.ParseFloat(act.arg(i, def), 64)
			if err != nil || v < 0 || (i == 1 && v == 0) {
				return fmt.Errorf("%w: bad gif timing %q", ErrUnsupportedAction, act.arg(i, def))
			}
		}
	case "trim":
		if len(act.Args) != 2 {
			return fmt.Errorf("%w: trim needs a start and an end, e.g. trim:10:1m5s", ErrUnsupportedAction)
		}
		start, err := parseOffset(act.Args[0])
		if err != nil {
			return err
		}
		end, err := parseOffset(act.Args[1])
		if err != nil {
			return err
		}
		if end <= start {
			return fmt.Errorf("%w: trim end %s is not after start %s", ErrUnsupportedAction, end, start)
		}
	case "compress_video":
		mb, err := strconv.Atoi(act.arg(0, ""))
		if err != nil || mb < 1 || mb > maxCompressTarget {
			return fmt.Errorf("%w: compress_video needs a target size of 1-%d MB", ErrUnsupportedAction, maxCompressTarget)
		}
	case "audio_effect":
		if _, ok := audioEffects[act.arg(0, "")]; !ok {
			return fmt.Errorf("%w: unknown effect %q, want one of %s", ErrUnsupportedAction,
				act.arg(0, ""), strings.Join(slices.Sorted(maps.Keys(audioEffects)), ", "))
		}
		if _, err := effectIntensity(act); err != nil {
			return err
		}
	}
	return nil
}

// parseOffset reads a media timestamp given as seconds or a Go duration.
func parseOffset(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if !(secs >= 0) || math.IsInf(secs, 1) {
			return 0, fmt.Errorf("%w: bad timestamp %q", ErrUnsupportedAction, s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrUnsupportedAction, s)
	}
	return d, nil
}

func effectIntensity(act Action) (float64, error) {
	v, err := strconv.ParseFloat(act.arg(1, "1"), 64)
	if err != nil || !(v > 0) || v > maxEffectIntensity {
		return 0, fmt.Errorf("%w: effect intensity must be in (0, %d]", ErrUnsupportedAction, maxEffectIntensity)
	}
	return v, nil
}

// seconds formats d the way ffmpeg's -ss and -to expect.
func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
