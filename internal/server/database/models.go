package database

import "time"

// Tier classifies a user for size ceilings and cooldown exemption.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// User is created on first contact and never deleted.
type User struct {
	ID                     string
	Username               string
	Tier                   Tier
	TotalFiles             int64
	TotalSize              int64
	TotalProcessingSeconds float64
	JoinedAt               time.Time
	LastActiveAt           time.Time
}

// StatsDelta is added to a user's cumulative counters.
type StatsDelta struct {
	Files   int64
	Bytes   int64
	Seconds float64
	At      time.Time
}

type UploadMode string

const (
	UploadVideo    UploadMode = "video"
	UploadAudio    UploadMode = "audio"
	UploadDocument UploadMode = "document"
)

// AudioSettings is the audio parameter bundle applied by the transcoder.
type AudioSettings struct {
	Bitrate         string  `json:"bitrate"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	Speed           float64 `json:"speed"`
	Volume          int     `json:"volume"`
	Compress        bool    `json:"compress"`
	CompressQuality int     `json:"compress_quality"`
}

// UserSettings holds per-user processing preferences. One per user.
type UserSettings struct {
	UserID      string            `json:"user_id"`
	BulkMode    bool              `json:"bulk_mode"`
	Thumbnail   bool              `json:"thumbnail"`
	RenameFiles bool              `json:"rename_files"`
	UploadMode  UploadMode        `json:"upload_mode"`
	Metadata    bool              `json:"metadata"`
	Audio       AudioSettings     `json:"audio"`
	Tags        map[string]string `json:"tags"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy, so snapshots never share the tag map.
func (s UserSettings) Clone() UserSettings {
	out := s
	out.Tags = make(map[string]string, len(s.Tags))
	for k, v := range s.Tags {
		out.Tags[k] = v
	}
	return out
}

type Category string

const (
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one admitted unit of processing.
type Job struct {
	ID        string
	UserID    string
	FileID    string
	FileName  string
	FileSize  int64
	Category  Category
	Action    string
	Status    JobStatus
	InputRef  string
	OutputRef string
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time // nil until terminal
	Duration  time.Duration
	UpdatedAt time.Time
}

// HistoryEntry is written once per terminal job and never changed.
type HistoryEntry struct {
	ID                int64
	UserID            string
	JobID             string
	Action            string
	Category          Category
	FileName          string
	FileSize          int64
	ProcessingSeconds float64
	Status            JobStatus
	CreatedAt         time.Time
}
