package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/lukasbauer/scribe/internal/audio"
)

const deviceFramesPerBuffer = 1024

// DeviceStrategy captures directly from an input device through PortAudio.
// It serves the mic source, and the system source on platforms that expose a
// named loopback input device.
type DeviceStrategy struct {
	// DeviceName selects a specific input by substring match against the
	// PortAudio device list. Empty selects the default input device.
	DeviceName string
}

func (s *DeviceStrategy) Name() string { return "device" }

func (s *DeviceStrategy) Open(ctx context.Context) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyDeviceErr(err)
	}

	dev, err := s.pickDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	srcRate := int(dev.DefaultSampleRate)
	if srcRate <= 0 {
		srcRate = 48000
	}

	buf := make([]int16, deviceFramesPerBuffer)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(srcRate)
	params.FramesPerBuffer = len(buf)

	pa, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyDeviceErr(err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		portaudio.Terminate()
		return nil, classifyDeviceErr(err)
	}

	ds := &deviceStream{
		pa:      pa,
		buf:     buf,
		srcRate: srcRate,
		frames:  make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	ds.enabled.Store(true)
	go ds.readLoop(ctx)
	return ds, nil
}

func (s *DeviceStrategy) pickDevice() (*portaudio.DeviceInfo, error) {
	if s.DeviceName == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, classifyDeviceErr(err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, classifyDeviceErr(err)
	}
	want := strings.ToLower(s.DeviceName)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("capture: no input device matching %q", s.DeviceName)
}

type deviceStream struct {
	pa      *portaudio.Stream
	buf     []int16
	srcRate int
	enabled atomic.Bool
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
}

func (d *deviceStream) Frames() <-chan []byte { return d.frames }

func (d *deviceStream) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

func (d *deviceStream) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.pa.Close()
		portaudio.Terminate()
	})
	return err
}

func (d *deviceStream) readLoop(ctx context.Context) {
	defer close(d.frames)

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := d.pa.Read(); err != nil {
			// Read fails once the stream is closed underneath us.
			return
		}
		if !d.enabled.Load() {
			continue // paused: tracks disabled, nothing delivered
		}

		pcm := audio.ConvertPCM16(audio.EncodeInt16LE(d.buf), d.srcRate, 1)
		select {
		case d.frames <- pcm:
		case <-d.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// classifyDeviceErr wraps platform errors that look like a user denial so
// the controller reports a permission failure instead of a generic one.
func classifyDeviceErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") ||
		strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
