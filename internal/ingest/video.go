package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// DefaultFPS is assumed when a file does not report a usable frame rate.
const DefaultFPS = 25.0

// VideoInfo describes a video file.
type VideoInfo struct {
	FPS         float64
	TotalFrames int // 0 when unknown
	Width       int
	Height      int
}

// VideoSource yields every frame of a file in order.
type VideoSource interface {
	Info() VideoInfo
	// Next returns the next encoded frame, or io.EOF after the last one.
	Next() ([]byte, error)
	Close() error
}

// VideoOpener opens a video file for sequential decoding.
type VideoOpener func(ctx context.Context, path string) (VideoSource, error)

// FFmpegVideo decodes a file to JPEG frames with FFmpeg.
type FFmpegVideo struct {
	info   VideoInfo
	cancel context.CancelFunc
	cmd    *exec.Cmd
	reader *bufio.Reader

	closeOnce sync.Once
}

// OpenVideo probes path with ffprobe and starts decoding it.
func OpenVideo(ctx context.Context, path string) (VideoSource, error) {
	info, err := ProbeVideo(ctx, path)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, "ffmpeg",
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	return &FFmpegVideo{
		info:   info,
		cancel: cancel,
		cmd:    cmd,
		reader: bufio.NewReaderSize(stdout, 512*1024),
	}, nil
}

func (v *FFmpegVideo) Info() VideoInfo { return v.info }

func (v *FFmpegVideo) Next() ([]byte, error) {
	frame, err := nextJPEG(v.reader)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return frame, nil
}

func (v *FFmpegVideo) Close() error {
	v.closeOnce.Do(func() {
		v.cancel()
		_ = v.cmd.Wait()
	})
	return nil
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// ProbeVideo reads stream metadata with ffprobe.
func ProbeVideo(ctx context.Context, path string) (VideoInfo, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (VideoInfo, error) {
	var p probeOutput
	if err := json.Unmarshal(data, &p); err != nil {
		return VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(p.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("no video stream")
	}
	s := p.Streams[0]

	info := VideoInfo{Width: s.Width, Height: s.Height}
	info.FPS = parseFrameRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseFrameRate(s.RFrameRate)
	}
	if info.FPS <= 0 {
		info.FPS = DefaultFPS
	}

	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.TotalFrames = n
	} else if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > 0 {
		info.TotalFrames = int(math.Round(d * info.FPS))
	}
	return info, nil
}

// parseFrameRate parses ffprobe rates such as "30000/1001" or "25".
// It returns 0 for anything unusable.
func parseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
