package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"mediagate/internal/archive"
	"mediagate/internal/server/database"
	"mediagate/internal/server/storage"
)

// Task is everything one execution needs. Settings is a snapshot taken when
// processing starts.
type Task struct {
	JobID    string
	InputRef string
	FileName string
	Category database.Category
	Action   string
	Settings database.UserSettings
}

// Executor runs the external work for one job and returns the storage key of
// the produced output.
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// FFmpeg runs media actions through the ffmpeg binary and archives in process.
// ffprobe measures inputs for actions that depend on duration.
type FFmpeg struct {
	bin     string
	probe   string
	store   storage.Store
	tempDir string
	runner  commandRunner
}

func NewFFmpeg(bin, probe string, store storage.Store, tempDir string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probe == "" {
		probe = "ffprobe"
	}
	return &FFmpeg{bin: bin, probe: probe, store: store, tempDir: tempDir, runner: execRunner{}}
}

func (f *FFmpeg) Execute(ctx context.Context, task Task) (string, error) {
	act, err := ParseAction(task.Category, task.Action)
	if err != nil {
		return "", err
	}

	input, err := f.store.GetPath(ctx, task.InputRef)
	if err != nil {
		return "", fmt.Errorf("failed to resolve input: %w", err)
	}

	if f.tempDir != "" {
		if err := os.MkdirAll(f.tempDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create temp dir: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(f.tempDir, "job-*")
	if err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	name := outputName(task.FileName, act, task.Settings.RenameFiles)
	output := filepath.Join(workDir, name)

	start := time.Now()
	if act.Name == "archive" {
		if err := archive.ZipFile(input, output, task.FileName); err != nil {
			return "", fmt.Errorf("failed to archive: %w", err)
		}
	} else {
		var duration time.Duration
		if act.Name == "compress_video" {
			if duration, err = f.probeDuration(ctx, input); err != nil {
				return "", err
			}
		}
		args := buildArgs(act, input, output, task.Settings, duration)
		res, err := f.runner.Run(ctx, f.bin, args...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", &ToolError{Action: act.Name, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
		}
	}
	slog.Debug("action finished", "job_id", task.JobID, "action", act.String(), "elapsed", time.Since(start))

	out, err := os.Open(output)
	if err != nil {
		return "", &ToolError{Action: act.Name, Err: fmt.Errorf("no output produced: %w", err)}
	}
	defer out.Close()

	key := path.Join("outputs", task.JobID, name)
	if _, err := f.store.Save(ctx, key, out); err != nil {
		return "", fmt.Errorf("failed to save output: %w", err)
	}
	return key, nil
}

// probeDuration asks ffprobe for the container duration.
func (f *FFmpeg) probeDuration(ctx context.Context, input string) (time.Duration, error) {
	res, err := f.runner.Run(ctx, f.probe,
		"-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &ToolError{Action: "probe", ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	out := strings.TrimSpace(string(res.Stdout))
	secs, err := strconv.ParseFloat(out, 64)
	if err != nil || !(secs > 0) {
		return 0, &ToolError{Action: "probe", Stderr: fmt.Sprintf("no usable duration in %q", out), Err: err}
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// outputExt returns the extension the action produces, or "" to keep the
// input's.
func outputExt(act Action) string {
	switch act.Name {
	case "extract_audio", "adjust_audio", "compress_audio", "audio_effect":
		return "mp3"
	case "to_audio", "convert_audio":
		return act.arg(0, "mp3")
	case "convert_video":
		return act.arg(0, "mp4")
	case "thumbnail":
		return "jpg"
	case "optimize", "compress_video":
		return "mp4"
	case "gif":
		return "gif"
	case "archive":
		return "zip"
	}
	return ""
}

func outputName(fileName string, act Action, rename bool) string {
	base := filepath.Base(fileName)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		stem = "output"
	}
	if rename {
		stem = stem + "_" + act.Name
	}
	if e := outputExt(act); e != "" {
		ext = "." + e
	}
	return stem + ext
}

// buildArgs assembles the ffmpeg command line. duration is the probed input
// length and only matters for compress_video.
func buildArgs(act Action, input, output string, st database.UserSettings, duration time.Duration) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if act.Name == "gif" {
		args = append(args, "-ss", act.arg(0, "0"), "-t", act.arg(1, "5"))
	}
	args = append(args, "-i", input)

	switch act.Name {
	case "extract_audio":
		args = append(args, "-vn", "-map", "a")
		args = append(args, audioArgs(st.Audio, "")...)
	case "to_audio", "convert_audio":
		args = append(args, "-vn")
		args = append(args, audioArgs(st.Audio, act.arg(0, "mp3"))...)
	case "mute":
		args = append(args, "-c", "copy", "-an")
	case "thumbnail":
		args = append(args, "-ss", "00:00:01", "-vframes", "1", "-q:v", "2")
	case "convert_video":
		q := Qualities[act.arg(1, "720p")]
		codec := "libx264"
		if act.arg(0, "mp4") == "webm" {
			codec = "libvpx-vp9"
		}
		args = append(args, "-s", q.Size, "-b:v", q.Bitrate, "-c:v", codec)
		if codec == "libx264" {
			args = append(args, "-preset", "medium")
		}
	case "optimize":
		args = append(args,
			"-s", Qualities["720p"].Size, "-b:v", "1500k",
			"-c:v", "libx264", "-preset", "medium", "-crf", "23",
			"-c:a", "aac", "-b:a", "128k", "-movflags", "+faststart")
	case "gif":
		args = append(args, "-vf", "fps=10,scale=480:-1:flags=lanczos", "-c:v", "gif")
	case "trim":
		start, _ := parseOffset(act.Args[0])
		end, _ := parseOffset(act.Args[1])
		args = append(args, "-ss", seconds(start), "-to", seconds(end), "-c", "copy")
	case "compress_video":
		target, _ := strconv.Atoi(act.arg(0, ""))
		args = append(args, "-c:v", "libx264")
		if duration > 0 {
			args = append(args, "-b:v", strconv.Itoa(videoKbps(target, duration))+"k")
		} else {
			args = append(args, "-crf", "28")
		}
		args = append(args, "-preset", "medium", "-c:a", "aac", "-b:a", strconv.Itoa(compressAudioKbps)+"k")
	case "audio_effect":
		intensity, _ := effectIntensity(act)
		args = append(args, "-vn", "-af", audioEffects[act.arg(0, "")](intensity), "-c:a", "libmp3lame")
		args = append(args, audioArgs(st.Audio, "mp3")...)
	case "adjust_audio":
		if f := audioFilters(st.Audio); f != "" {
			args = append(args, "-af", f)
		}
		args = append(args, "-c:a", "libmp3lame")
		args = append(args, audioArgs(st.Audio, "mp3")...)
	case "compress_audio":
		a := st.Audio
		a.Compress = true
		args = append(args, "-vn", "-c:a", "libmp3lame")
		args = append(args, audioArgs(a, "mp3")...)
	}

	if !st.Metadata {
		args = append(args, "-map_metadata", "-1")
	} else if producesAudio(act) {
		for _, k := range slices.Sorted(maps.Keys(st.Tags)) {
			args = append(args, "-metadata", k+"="+st.Tags[k])
		}
	}
	return append(args, output)
}

const (
	compressAudioKbps = 128
	minVideoKbps      = 100
)

// videoKbps spreads a target file size over the input's duration, leaving
// room for the audio track.
func videoKbps(targetMB int, duration time.Duration) int {
	total := float64(targetMB) * 8192 / duration.Seconds()
	return max(int(total)-compressAudioKbps, minVideoKbps)
}

// audioArgs encodes bitrate or VBR quality plus rate and channel count.
// Lossless targets get no bitrate.
func audioArgs(a database.AudioSettings, format string) []string {
	var args []string
	switch {
	case format == "flac" || format == "wav":
	case a.Compress:
		args = append(args, "-q:a", strconv.Itoa(vbrQuality(a.CompressQuality)))
	case a.Bitrate != "":
		args = append(args, "-b:a", a.Bitrate)
	default:
		args = append(args, "-q:a", "0")
	}
	if a.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(a.SampleRate))
	}
	if a.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(a.Channels))
	}
	return args
}

// vbrQuality maps compress quality 0..10 (10 compresses hardest) onto the
// encoder's 0..9 scale.
func vbrQuality(q int) int {
	return min(max(q, 0), 9)
}

func audioFilters(a database.AudioSettings) string {
	var filters []string
	if a.Speed > 0 && a.Speed != 1 {
		filters = append(filters, "atempo="+strconv.FormatFloat(a.Speed, 'f', -1, 64))
	}
	if a.Volume != 100 {
		filters = append(filters, "volume="+strconv.FormatFloat(float64(a.Volume)/100, 'f', -1, 64))
	}
	return strings.Join(filters, ",")
}

func producesAudio(act Action) bool {
	switch act.Name {
	case "extract_audio", "to_audio", "convert_audio", "adjust_audio", "compress_audio", "audio_effect":
		return true
	}
	return false
}

// IsToolError reports whether err came from the external tool itself.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
