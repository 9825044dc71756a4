// Package capture reads camera frames through FFmpeg.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// FrameCallback is called for each extracted JPEG frame.
type FrameCallback func(frameData []byte) error

const maxFrameSize = 10 * 1024 * 1024

var errNoFrames = errors.New("no frames received from ffmpeg")

// Source describes what FFmpeg should open.
type Source struct {
	// Device is a v4l2 path, a dshow/avfoundation device name, an RTSP/HTTP URL or a file.
	Device string
	// Format forces the input format (v4l2, dshow, avfoundation). Empty picks one from Device.
	Format string
	FPS    int
	Width  int
}

// Args builds the FFmpeg command line that emits MJPEG frames on stdout.
func (s Source) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}

	switch {
	case strings.HasPrefix(s.Device, "rtsp://"), strings.HasPrefix(s.Device, "rtsps://"):
		args = append(args, "-rtsp_transport", "tcp", "-timeout", "5000000")
	case strings.HasPrefix(s.Device, "http://"), strings.HasPrefix(s.Device, "https://"):
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
	default:
		if f := s.inputFormat(); f != "" {
			args = append(args, "-f", f)
		}
	}

	fps := s.FPS
	if fps <= 0 {
		fps = 10
	}
	width := s.Width
	if width <= 0 {
		width = 640
	}

	return append(args,
		"-i", s.Device,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-1", fps, width),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

func (s Source) inputFormat() string {
	if s.Format != "" {
		return s.Format
	}
	if strings.HasPrefix(s.Device, "/dev/video") {
		return "v4l2"
	}
	switch {
	case strings.HasPrefix(s.Device, "video="):
		return "dshow"
	case runtime.GOOS == "darwin" && !strings.Contains(s.Device, "."):
		return "avfoundation"
	}
	return ""
}

// FFmpegExtractor runs one FFmpeg process.
type FFmpegExtractor struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	cmd    *exec.Cmd
}

// Extract starts FFmpeg and calls callback for each JPEG frame. It blocks
// until ctx is cancelled or the stream ends.
func (f *FFmpegExtractor) Extract(ctx context.Context, src Source, callback FrameCallback) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", src.Args()...)
	f.mu.Lock()
	f.cancel = cancel
	f.cmd = cmd
	f.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "output", scanner.Text())
		}
	}()

	if err := readJPEGFrames(ctx, stdout, callback); err != nil {
		_ = cmd.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read frames: %w", err)
	}
	return cmd.Wait()
}

// Stop terminates the FFmpeg process.
func (f *FFmpegExtractor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if f.cmd != nil && f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
}

// readJPEGFrames splits a stream of concatenated JPEG images.
// Initial EOFs are tolerated for up to 5 seconds while the device opens.
func readJPEGFrames(ctx context.Context, r io.Reader, callback FrameCallback) error {
	reader := bufio.NewReaderSize(r, 512*1024)
	framesRead := 0
	const maxStartupRetries = 50
	startupRetries := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := findJPEGStart(reader); err != nil {
			if err == io.EOF {
				if framesRead == 0 && startupRetries < maxStartupRetries {
					startupRetries++
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if framesRead > 0 {
					return nil
				}
				return errNoFrames
			}
			return err
		}

		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF && framesRead > 0 {
				return nil
			}
			return err
		}

		framesRead++
		if err := callback(frameData); err != nil {
			slog.Warn("frame callback error", "error", err)
		}
	}
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
		if err := r.UnreadByte(); err != nil {
			return err
		}
		pair, err := r.Peek(2)
		if err != nil {
			return err
		}
		if pair[1] == 0xD8 {
			_, _ = r.Discard(2)
			return nil
		}
		_, _ = r.Discard(1)
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		if len(data) > maxFrameSize {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}
