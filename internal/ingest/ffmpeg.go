package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrStreamEnded is returned by ReadFrame once the underlying stream has closed.
var ErrStreamEnded = errors.New("stream ended")

// FrameCallback is called for each extracted JPEG frame.
type FrameCallback func(frameData []byte) error

// FrameSource yields encoded frames from a live camera.
type FrameSource interface {
	// ReadFrame returns the most recent frame, waiting until one is available.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener connects to a camera URL. The context bounds the connection attempt.
type Opener func(ctx context.Context, url string) (FrameSource, error)

// FFmpegSource pulls JPEG frames from a stream using FFmpeg. Only the latest
// frame is kept; slower readers skip frames.
type FFmpegSource struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd

	frames chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// NewFFmpegOpener returns an Opener that samples streams at fps and scales
// frames to width pixels.
func NewFFmpegOpener(fps, width int) Opener {
	return func(ctx context.Context, url string) (FrameSource, error) {
		return OpenStream(ctx, url, fps, width)
	}
}

// OpenStream starts FFmpeg on url and waits for the first frame or ctx expiry.
// YouTube links are resolved through yt-dlp first.
func OpenStream(ctx context.Context, url string, fps, width int) (*FFmpegSource, error) {
	if IsYouTubeURL(url) {
		direct, err := ResolveYouTubeURL(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("resolve youtube url: %w", err)
		}
		url = direct
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, "ffmpeg", streamArgs(url, fps, width)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "output", scanner.Text())
		}
	}()

	s := &FFmpegSource{
		cancel: cancel,
		cmd:    cmd,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	go s.run(runCtx, stdout)

	// First frame doubles as the connection check.
	first, err := s.ReadFrame(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("wait for first frame: %w", err)
	}
	s.push(first)
	return s, nil
}

func streamArgs(streamURL string, fps, width int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}

	// Add protocol-specific timeout/reconnect args
	if strings.HasPrefix(streamURL, "rtsp://") || strings.HasPrefix(streamURL, "rtsps://") {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-timeout", "5000000", // 5s socket timeout (microseconds)
		)
	} else if strings.HasPrefix(streamURL, "http://") || strings.HasPrefix(streamURL, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000", // 10s (microseconds)
		)
	}

	filter := fmt.Sprintf("fps=%d", fps)
	if width > 0 {
		filter += fmt.Sprintf(",scale=%d:-2", width)
	}
	return append(args,
		"-i", streamURL,
		"-vf", filter,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

func (s *FFmpegSource) run(ctx context.Context, stdout io.Reader) {
	defer close(s.done)

	err := readJPEGFrames(ctx, stdout, func(frame []byte) error {
		s.push(frame)
		return nil
	})
	if waitErr := s.cmd.Wait(); err == nil && waitErr != nil && ctx.Err() == nil {
		err = fmt.Errorf("ffmpeg exited: %w", waitErr)
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// push replaces any unread frame with frame.
func (s *FFmpegSource) push(frame []byte) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// ReadFrame returns the next available frame.
func (s *FFmpegSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}

	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStreamEnded, err)
		}
		return nil, ErrStreamEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates FFmpeg. It is safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

// readJPEGFrames reads a stream of concatenated JPEG images.
// Tolerates initial EOF while ffmpeg is still connecting (up to 5 seconds).
func readJPEGFrames(ctx context.Context, r io.Reader, callback FrameCallback) error {
	reader := bufio.NewReaderSize(r, 512*1024) // 512KB buffer
	framesRead := 0
	const maxStartupRetries = 50 // 50 * 100ms = 5s max wait for first frame
	startupRetries := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Find JPEG start marker: FF D8
		err := findJPEGStart(reader)
		if err != nil {
			if err == io.EOF {
				if framesRead == 0 && startupRetries < maxStartupRetries {
					startupRetries++
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if framesRead > 0 {
					return nil // stream ended normally after producing frames
				}
				return fmt.Errorf("no frames received from ffmpeg (waited %.1fs)", float64(startupRetries)*0.1)
			}
			return err
		}

		// Read until JPEG end marker: FF D9
		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF && framesRead > 0 {
				return nil // stream ended mid-frame; treat as normal end
			}
			return err
		}

		if len(frameData) > 0 {
			framesRead++
			if err := callback(frameData); err != nil {
				slog.Warn("frame callback error", "error", err)
			}
		}
	}
}

// nextJPEG returns the next complete JPEG image, or io.EOF when none remain.
func nextJPEG(r *bufio.Reader) ([]byte, error) {
	if err := findJPEGStart(r); err != nil {
		return nil, err
	}
	frame, err := readUntilJPEGEnd(r)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil, io.EOF
	}
	return frame, err
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
		if b == 0xFF {
			if err := r.UnreadByte(); err != nil {
				return err
			}
		}
	}
}

const maxJPEGSize = 10 * 1024 * 1024

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	// Start with JPEG header
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		for b == 0xFF {
			b, err = r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, b)
			if b == 0xD9 {
				return data, nil
			}
		}

		if len(data) > maxJPEGSize {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}
