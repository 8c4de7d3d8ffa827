package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VideoStatus describes the overall processing state of an uploaded video.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
)

// RenditionStatus describes the lifecycle of a single resolution variant. A
// rendition is visible to readers only once it reaches published.
type RenditionStatus string

const (
	RenditionStatusPending   RenditionStatus = "pending"
	RenditionStatusWriting   RenditionStatus = "writing"
	RenditionStatusPublished RenditionStatus = "published"
	RenditionStatusFailed    RenditionStatus = "failed"
)

// JobState tracks a transcode job through the queue.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateRunning    JobState = "running"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
	JobStateDeadLetter JobState = "dead-letter"
)

type Video struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	SourcePath    string            `json:"sourcePath"`
	Status        VideoStatus       `json:"status"`
	Error         string            `json:"error,omitempty"`
	ThumbnailPath string            `json:"thumbnailPath,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

type Rendition struct {
	VideoID      string          `json:"videoId"`
	Name         string          `json:"name"`
	PlaylistPath string          `json:"playlistPath,omitempty"`
	SegmentCount int             `json:"segmentCount,omitempty"`
	Status       RenditionStatus `json:"status"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// LadderStep is one target of the configured resolution ladder. Bitrate is the
// video bitrate in kilobits per second.
type LadderStep struct {
	Name    string `json:"name"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Bitrate int    `json:"bitrate"`
}

// DefaultLadder returns the stock three-step ladder used when the operator
// does not override the configuration.
func DefaultLadder() []LadderStep {
	return []LadderStep{
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500},
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 4500},
	}
}

// ParseLadder builds a ladder from a comma-separated list of
// "label:WIDTHxHEIGHT@BITRATE" entries, with the bitrate in kilobits per
// second and an optional trailing "k". For example:
//
//	360p:640x360@800k,720p:1280x720@2500k
func ParseLadder(spec string) ([]LadderStep, error) {
	entries := strings.Split(spec, ",")
	ladder := make([]LadderStep, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		step, err := parseLadderStep(entry)
		if err != nil {
			return nil, err
		}
		if LadderContains(ladder, step.Name) {
			return nil, fmt.Errorf("ladder step %q listed twice", step.Name)
		}
		ladder = append(ladder, step)
	}
	if len(ladder) == 0 {
		return nil, fmt.Errorf("ladder has no steps")
	}
	return ladder, nil
}

func parseLadderStep(entry string) (LadderStep, error) {
	name, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return LadderStep{}, fmt.Errorf("ladder step %q: want label:WIDTHxHEIGHT@BITRATE", entry)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return LadderStep{}, fmt.Errorf("ladder step %q: empty label", entry)
	}
	size, rate, ok := strings.Cut(rest, "@")
	if !ok {
		return LadderStep{}, fmt.Errorf("ladder step %q: missing @BITRATE", entry)
	}
	width, height, ok := strings.Cut(size, "x")
	if !ok {
		return LadderStep{}, fmt.Errorf("ladder step %q: want WIDTHxHEIGHT", entry)
	}
	step := LadderStep{Name: name}
	var err error
	if step.Width, err = strconv.Atoi(strings.TrimSpace(width)); err != nil || step.Width <= 0 {
		return LadderStep{}, fmt.Errorf("ladder step %q: bad width %q", entry, width)
	}
	if step.Height, err = strconv.Atoi(strings.TrimSpace(height)); err != nil || step.Height <= 0 {
		return LadderStep{}, fmt.Errorf("ladder step %q: bad height %q", entry, height)
	}
	rate = strings.TrimSuffix(strings.TrimSpace(rate), "k")
	if step.Bitrate, err = strconv.Atoi(rate); err != nil || step.Bitrate <= 0 {
		return LadderStep{}, fmt.Errorf("ladder step %q: bad bitrate %q", entry, rate)
	}
	return step, nil
}

// LadderContains reports whether name matches a configured step.
func LadderContains(ladder []LadderStep, name string) bool {
	for _, step := range ladder {
		if strings.EqualFold(step.Name, name) {
			return true
		}
	}
	return false
}

// LadderStepByName returns the configured step matching name.
func LadderStepByName(ladder []LadderStep, name string) (LadderStep, bool) {
	for _, step := range ladder {
		if strings.EqualFold(step.Name, name) {
			return step, true
		}
	}
	return LadderStep{}, false
}

// CloneLadder returns a defensive copy of the ladder slice.
func CloneLadder(ladder []LadderStep) []LadderStep {
	if len(ladder) == 0 {
		return nil
	}
	out := make([]LadderStep, len(ladder))
	copy(out, ladder)
	return out
}
