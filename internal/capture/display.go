package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lukasbauer/scribe/internal/audio"
)

const displayCaptureRate = 48000

// DisplayStrategy is the last-resort system-audio acquisition: an external
// ffmpeg process grabs the desktop/display audio track and pipes raw s16le
// to us. Used only when no loopback device and no bridge producer exist.
type DisplayStrategy struct {
	// FFmpegPath locates the ffmpeg binary; empty means "ffmpeg" on PATH.
	FFmpegPath string
}

func (s *DisplayStrategy) Name() string { return "display" }

func (s *DisplayStrategy) Open(ctx context.Context) (Stream, error) {
	bin := s.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}

	args, err := displayCaptureArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("capture: start ffmpeg: %w", err)
	}

	fs := &ffmpegStream{
		cmd:    cmd,
		stdout: stdout,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	fs.enabled.Store(true)
	go fs.readLoop()
	return fs, nil
}

// displayCaptureArgs builds per-platform ffmpeg arguments for grabbing the
// display's audio track as raw stereo s16le on stdout.
func displayCaptureArgs(goos string) ([]string, error) {
	common := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", "s16le",
		"-ac", "2",
		"-ar", fmt.Sprint(displayCaptureRate),
		"pipe:1",
	}

	switch goos {
	case "darwin":
		return append([]string{"-f", "avfoundation", "-i", ":default"}, common...), nil
	case "windows":
		return append([]string{"-f", "dshow", "-i", "audio=virtual-audio-capturer"}, common...), nil
	case "linux":
		return append([]string{"-f", "pulse", "-i", "default.monitor"}, common...), nil
	default:
		return nil, fmt.Errorf("capture: no display capture support on %s", goos)
	}
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	enabled atomic.Bool
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
}

func (f *ffmpegStream) Frames() <-chan []byte { return f.frames }

func (f *ffmpegStream) SetEnabled(enabled bool) { f.enabled.Store(enabled) }

func (f *ffmpegStream) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		_ = f.stdout.Close()
		if f.cmd.Process != nil {
			_ = f.cmd.Process.Kill()
		}
		err = f.cmd.Wait()
	})
	return err
}

func (f *ffmpegStream) readLoop() {
	defer close(f.frames)

	// 20 ms of stereo audio at the capture rate per read.
	buf := make([]byte, displayCaptureRate/50*2*audio.BytesPerSample)
	for {
		select {
		case <-f.done:
			return
		default:
		}

		n, err := io.ReadFull(f.stdout, buf)
		if n > 0 && f.enabled.Load() {
			pcm := audio.ConvertPCM16(buf[:n], displayCaptureRate, 2)
			select {
			case f.frames <- pcm:
			case <-f.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
