package catalog

import (
	"fmt"
	"strings"
	"time"
)

type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPartial    JobStatus = "partial"
	JobStatusReady      JobStatus = "ready"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusReady, JobStatusPartial, JobStatusFailed:
		return true
	}
	return false
}

const (
	FormatMP4 = "mp4"
	FormatMOV = "mov"

	Resolution720p  = "720p"
	Resolution1080p = "1080p"
	Resolution4K    = "4K"

	PresetCinematic = "cinematic"
	PresetWarm      = "warm"
	PresetCool      = "cool"
	PresetVintage   = "vintage"

	DefaultPreset = PresetCinematic
)

var validFormats = map[string]bool{FormatMP4: true, FormatMOV: true}

var validResolutions = map[string]bool{
	Resolution720p:  true,
	Resolution1080p: true,
	Resolution4K:    true,
}

var validPresets = map[string]bool{
	PresetCinematic: true,
	PresetWarm:      true,
	PresetCool:      true,
	PresetVintage:   true,
}

func IsValidFormat(f string) bool     { return validFormats[f] }
func IsValidResolution(r string) bool { return validResolutions[r] }
func IsValidPreset(p string) bool     { return validPresets[p] }

// Scene is a detected cut range in seconds.
type Scene struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Subtitle struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// JobMetadata is persisted as a JSON document on the export job. Field
// names are part of the status API and must stay stable.
type JobMetadata struct {
	Scenes             []Scene    `json:"scenes,omitempty"`
	Subtitles          []Subtitle `json:"subtitles,omitempty"`
	ColorCorrectedPath string     `json:"colorCorrectedPath,omitempty"`
	AISuccessCount     int        `json:"aiSuccessCount,omitempty"`
	AIFailureCount     int        `json:"aiFailureCount,omitempty"`
	PartialCompletion  bool       `json:"partialCompletion,omitempty"`
	AIProcessingFailed bool       `json:"aiProcessingFailed,omitempty"`
	ExportStartedAt    *time.Time `json:"exportStartedAt,omitempty"`
	ProcessedAt        *time.Time `json:"processedAt,omitempty"`
	ProcessingTime     string     `json:"processingTime,omitempty"`
	Error              string     `json:"error,omitempty"`
	FailedAt           *time.Time `json:"failedAt,omitempty"`
}

type ExportJob struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"projectId"`
	UserID     string      `json:"userId"`
	Format     string      `json:"format"`
	Resolution string      `json:"resolution"`
	Preset     string      `json:"preset"`
	FileName   string      `json:"fileName"`
	SourcePath string      `json:"sourcePath"`
	Status     JobStatus   `json:"status"`
	Metadata   JobMetadata `json:"metadata"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// NewExportJob builds a queued job with the export_<id>.<format> filename
// and /exports/<id>.<format> source path convention.
func NewExportJob(id, projectID, userID, format, resolution, preset string, now time.Time) *ExportJob {
	if preset == "" {
		preset = DefaultPreset
	}
	format = strings.ToLower(format)
	return &ExportJob{
		ID:         id,
		ProjectID:  projectID,
		UserID:     userID,
		Format:     format,
		Resolution: resolution,
		Preset:     preset,
		FileName:   fmt.Sprintf("export_%s.%s", id, format),
		SourcePath: fmt.Sprintf("/exports/%s.%s", id, format),
		Status:     JobStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
