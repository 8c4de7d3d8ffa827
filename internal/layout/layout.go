// Package layout owns the on-disk layout for published HLS artifacts: the
// canonical public paths, the per-job temporary work areas, atomic
// publication, and safe resolution of untrusted request paths.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"streamforge/internal/models"
)

const (
	// PlaylistName is the per-rendition HLS playlist file name.
	PlaylistName = "index.m3u8"
	// ThumbnailName is the single thumbnail artifact per video.
	ThumbnailName = "thumb.jpg"

	workDirName      = ".work"
	checksumFileName = ".checksums.json"
)

var (
	// ErrUnknownResolution indicates the requested resolution is not part of
	// the configured ladder. Callers should treat it as a client error, not a
	// missing file.
	ErrUnknownResolution = errors.New("resolution not in configured ladder")
	// ErrUnsafeName indicates a path component that could escape the
	// rendition directory. Callers should treat it as a policy violation
	// worth logging, distinct from a plain miss.
	ErrUnsafeName = errors.New("unsafe path component")
	// ErrCorruptPublish indicates published artifacts no longer match the
	// checksums recorded at publication time. It signals an atomicity bug and
	// should alert rather than retry.
	ErrCorruptPublish = errors.New("published artifacts failed integrity check")
)

// Manager maps (video id, resolution, artifact name) tuples onto the media
// root and guarantees publication atomicity. The canonical public shape is
// <root>/<video_id>/<resolution>/index.m3u8 plus numbered segments, with
// <root>/<video_id>/thumb.jpg alongside the rendition directories.
type Manager struct {
	root   string
	ladder []models.LadderStep
}

// New prepares the media root and the private work area. The work area lives
// under the same filesystem as the public layout so publication can rely on
// rename being atomic.
func New(root string, ladder []models.LadderStep) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("media root is required")
	}
	if len(ladder) == 0 {
		return nil, fmt.Errorf("resolution ladder is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(absRoot, workDirName), 0o755); err != nil {
		return nil, fmt.Errorf("prepare media root: %w", err)
	}
	return &Manager{root: absRoot, ladder: models.CloneLadder(ladder)}, nil
}

// Root returns the absolute media root.
func (m *Manager) Root() string {
	return m.root
}

// Ladder returns a copy of the configured ladder.
func (m *Manager) Ladder() []models.LadderStep {
	return models.CloneLadder(m.ladder)
}

// VideoDir returns the canonical published directory for a video.
func (m *Manager) VideoDir(videoID string) (string, error) {
	if err := checkComponent(videoID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, videoID), nil
}

// WorkDir creates an isolated temporary directory scoped to a single job
// attempt. Discard leftover directories with DiscardWork.
func (m *Manager) WorkDir(videoID, attemptID string) (string, error) {
	if err := checkComponent(videoID); err != nil {
		return "", err
	}
	if err := checkComponent(attemptID); err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, workDirName, videoID+"-"+attemptID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

// DiscardWork removes a temporary work directory and everything under it.
func (m *Manager) DiscardWork(dir string) error {
	cleaned := filepath.Clean(dir)
	workRoot := filepath.Join(m.root, workDirName)
	if !strings.HasPrefix(cleaned, workRoot+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to discard %s: outside work area", dir)
	}
	return os.RemoveAll(cleaned)
}

// Publish atomically makes the work directory's contents visible at the
// canonical public path for videoID. The work directory must hold one
// subdirectory per rendition plus the thumbnail. A checksum manifest is
// written before the swap so later integrity checks can detect corruption.
// If a previous published tree exists it is swapped out first and removed
// only after the new tree is in place.
func (m *Manager) Publish(videoID, workDir string) error {
	target, err := m.VideoDir(videoID)
	if err != nil {
		return err
	}
	if err := writeChecksumManifest(workDir); err != nil {
		return fmt.Errorf("record checksums: %w", err)
	}

	var previous string
	if _, err := os.Stat(target); err == nil {
		previous = target + ".old"
		if err := os.RemoveAll(previous); err != nil {
			return fmt.Errorf("clear stale publish backup: %w", err)
		}
		if err := os.Rename(target, previous); err != nil {
			return fmt.Errorf("swap out previous publish: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat publish target: %w", err)
	}

	if err := os.Rename(workDir, target); err != nil {
		// Restore the previous tree so readers never observe an empty slot.
		if previous != "" {
			if restoreErr := os.Rename(previous, target); restoreErr != nil {
				return fmt.Errorf("publish rename failed (%v) and restore failed: %w", err, restoreErr)
			}
		}
		return fmt.Errorf("publish rename: %w", err)
	}
	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			return fmt.Errorf("remove previous publish: %w", err)
		}
	}
	return nil
}

// Resolve validates untrusted resolution and filename strings and returns the
// absolute path of the requested artifact. The resolution must match the
// configured ladder, the filename must be a single safe path component, and
// the final absolute path must still sit inside the rendition directory.
func (m *Manager) Resolve(videoID, resolution, filename string) (string, error) {
	if err := checkComponent(videoID); err != nil {
		return "", err
	}
	step, ok := models.LadderStepByName(m.ladder, resolution)
	if !ok {
		return "", ErrUnknownResolution
	}
	if err := checkComponent(filename); err != nil {
		return "", err
	}
	base := filepath.Join(m.root, videoID, step.Name)
	candidate := filepath.Join(base, filename)
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve artifact path: %w", err)
	}
	// Containment is re-checked on the absolute path in case component
	// validation was bypassed.
	if abs != base && !strings.HasPrefix(abs, base+string(os.PathSeparator)) {
		return "", ErrUnsafeName
	}
	return abs, nil
}

// ThumbnailPath returns the canonical thumbnail location for a video.
func (m *Manager) ThumbnailPath(videoID string) (string, error) {
	dir, err := m.VideoDir(videoID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ThumbnailName), nil
}

// Remove deletes every published artifact for a video along with any leftover
// work directories from interrupted attempts.
func (m *Manager) Remove(videoID string) error {
	dir, err := m.VideoDir(videoID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove published artifacts: %w", err)
	}
	workRoot := filepath.Join(m.root, workDirName)
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("scan work area: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), videoID+"-") {
			if err := os.RemoveAll(filepath.Join(workRoot, entry.Name())); err != nil {
				return fmt.Errorf("remove work directory %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// PublishedRendition describes one rendition discovered on disk.
type PublishedRendition struct {
	Name         string
	PlaylistPath string
	SegmentCount int
}

// PublishedVideo describes the durable on-disk record for one video.
type PublishedVideo struct {
	VideoID      string
	Renditions   []PublishedRendition
	HasThumbnail bool
}

// Scan walks the media root and reconstructs the published state from the
// layout alone. Only videos carrying a playlist for every ladder step are
// reported; partial trees indicate an interrupted publish and are skipped.
func (m *Manager) Scan() ([]PublishedVideo, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("scan media root: %w", err)
	}
	var out []PublishedVideo
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".old") {
			continue
		}
		video := PublishedVideo{VideoID: name}
		complete := true
		for _, step := range m.ladder {
			playlist := filepath.Join(m.root, name, step.Name, PlaylistName)
			segments, err := CountPlaylistSegments(playlist)
			if err != nil {
				complete = false
				break
			}
			video.Renditions = append(video.Renditions, PublishedRendition{
				Name:         step.Name,
				PlaylistPath: playlist,
				SegmentCount: segments,
			})
		}
		if !complete {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.root, name, ThumbnailName)); err == nil {
			video.HasThumbnail = true
		}
		out = append(out, video)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out, nil
}

// Verify recomputes the checksums recorded at publish time for a video and
// confirms every segment referenced by each playlist exists on disk. A
// mismatch means the atomic-publish invariant was violated.
func (m *Manager) Verify(videoID string) error {
	dir, err := m.VideoDir(videoID)
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(dir, checksumFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read checksum manifest: %w", err)
	}
	var recorded map[string]string
	if err := json.Unmarshal(data, &recorded); err != nil {
		return fmt.Errorf("decode checksum manifest: %w", err)
	}
	for rel, want := range recorded {
		got, err := fileChecksum(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptPublish, rel, err)
		}
		if got != want {
			return fmt.Errorf("%w: checksum mismatch for %s", ErrCorruptPublish, rel)
		}
	}
	for _, step := range m.ladder {
		playlist := filepath.Join(dir, step.Name, PlaylistName)
		segments, err := PlaylistSegments(playlist)
		if err != nil {
			return fmt.Errorf("%w: %s playlist unreadable: %v", ErrCorruptPublish, step.Name, err)
		}
		for _, segment := range segments {
			if _, err := os.Stat(filepath.Join(dir, step.Name, segment)); err != nil {
				return fmt.Errorf("%w: %s references missing segment %s", ErrCorruptPublish, step.Name, segment)
			}
		}
	}
	return nil
}

// PlaylistSegments returns the media file names referenced by an HLS playlist.
func PlaylistSegments(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var segments []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segments = append(segments, line)
	}
	return segments, nil
}

// CountPlaylistSegments returns the number of media entries in a playlist.
func CountPlaylistSegments(path string) (int, error) {
	segments, err := PlaylistSegments(path)
	if err != nil {
		return 0, err
	}
	return len(segments), nil
}

func writeChecksumManifest(dir string) error {
	sums := make(map[string]string)
	err := filepath.WalkDir(dir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == checksumFileName {
			return nil
		}
		rel, err := filepath.Rel(dir, current)
		if err != nil {
			return err
		}
		sum, err := fileChecksum(current)
		if err != nil {
			return err
		}
		sums[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(sums, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "checksums-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, checksumFileName))
}

func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// CheckName validates a single untrusted path component without touching the
// filesystem. Empty names, dotfiles, separators, and control characters are
// rejected with ErrUnsafeName.
func CheckName(name string) error {
	return checkComponent(name)
}

func checkComponent(name string) error {
	if name == "" || strings.HasPrefix(name, ".") {
		return ErrUnsafeName
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, os.PathSeparator) {
		return ErrUnsafeName
	}
	for _, r := range name {
		if r < 0x20 {
			return ErrUnsafeName
		}
	}
	return nil
}
