package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/varkey/ferryman/pkg/logger"
)

// UnreadableContainerError indicates a candidate file whose container
// metadata could not be extracted. It wraps the underlying cause so
// callers can distinguish a vanished file from a corrupt one.
type UnreadableContainerError struct {
	Path string
	err  error
}

func (e *UnreadableContainerError) Error() string {
	return fmt.Sprintf("container of %s is unreadable: %v", e.Path, e.err)
}

func (e *UnreadableContainerError) Unwrap() error { return e.err }

const defaultProbeTimeout = time.Second * 30

var inspectLogger = logger.Get("Inspect")

// Inspector extracts container metadata from media files by probing
// their headers. It never reads stream payload data, so inspection cost
// is independent of file size.
type Inspector struct {
	ffprobePath string
	timeout     time.Duration
}

func NewInspector(ffprobePath string) *Inspector {
	return &Inspector{ffprobePath: ffprobePath, timeout: defaultProbeTimeout}
}

// Inspect stats the file at path and probes its container, returning
// the parsed metadata. Any failure mode (missing file, probe failure,
// malformed or trackless output) is reported as an UnreadableContainerError.
func (inspector *Inspector) Inspect(ctx context.Context, path string) (*Container, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &UnreadableContainerError{Path: path, err: err}
	}
	if info.IsDir() {
		return nil, &UnreadableContainerError{Path: path, err: fmt.Errorf("%s is a directory", path)}
	}

	ctx, cancel := context.WithTimeout(ctx, inspector.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, inspector.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		inspectLogger.Emit(logger.DEBUG, "ffprobe failed for %s: %v (stderr: %s)\n", path, err, stderr.String())
		return nil, &UnreadableContainerError{Path: path, err: fmt.Errorf("ffprobe: %w", err)}
	}

	container, err := ParseProbeOutput(stdout.Bytes())
	if err != nil {
		return nil, &UnreadableContainerError{Path: path, err: err}
	}

	container.Format.Size = info.Size()
	return container, nil
}

// ParseProbeOutput decodes ffprobe's JSON report in to a Container. It
// is tolerant of the stringly-typed numerics ffprobe emits, but a report
// with no streams is rejected outright.
func ParseProbeOutput(raw []byte) (*Container, error) {
	var output ffprobeOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, fmt.Errorf("malformed probe output: %w", err)
	}

	if len(output.Streams) == 0 {
		return nil, fmt.Errorf("container reports no streams")
	}

	container := &Container{
		Format: FormatInfo{
			Filename:   output.Format.Filename,
			FormatName: output.Format.FormatName,
			Duration:   parseFloat(output.Format.Duration),
			Size:       parseInt64(output.Format.Size),
			BitRate:    parseInt64(output.Format.BitRate),
		},
		Tracks: make([]Track, 0, len(output.Streams)),
	}

	for _, stream := range output.Streams {
		track := Track{
			Index:       stream.Index,
			Codec:       stream.CodecName,
			Language:    stream.Tags["language"],
			Width:       stream.Width,
			Height:      stream.Height,
			Channels:    stream.Channels,
			Default:     stream.Disposition["default"] == 1,
			AttachedPic: stream.Disposition["attached_pic"] == 1,
		}

		switch stream.CodecType {
		case "video":
			track.Type = TrackVideo
		case "audio":
			track.Type = TrackAudio
		case "subtitle":
			track.Type = TrackSubtitle
		default:
			// Data and attachment streams carry nothing the pipeline
			// selects on.
			continue
		}

		container.Tracks = append(container.Tracks, track)
	}

	return container, nil
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	Index       int               `json:"index"`
	CodecType   string            `json:"codec_type"`
	CodecName   string            `json:"codec_name"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Channels    int               `json:"channels"`
	Disposition map[string]int    `json:"disposition"`
	Tags        map[string]string `json:"tags"`
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}

	return v
}

func parseInt64(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}

	return v
}
