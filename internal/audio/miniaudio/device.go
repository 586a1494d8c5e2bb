// Package miniaudio binds the default capture and playback devices through
// malgo.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-client/internal/audio"
	"github.com/lexiqai/interview-client/internal/observability"
)

const drainPollInterval = 10 * time.Millisecond

// ErrClosed is returned once the device has been closed.
var ErrClosed = errors.New("audio device closed")

// Device owns one malgo context with a mono PCM16 capture device and a
// playback device fed from a ring buffer. It implements audio.Source and
// audio.Sink.
type Device struct {
	audioContext *malgo.AllocatedContext
	sampleRate   int
	logger       zerolog.Logger

	ring     *audio.RingBuffer
	playback *malgo.Device

	captureMu sync.Mutex
	capture   *malgo.Device
	onAudio   atomic.Pointer[func([]byte)]

	closeOnce sync.Once
	closed    chan struct{}
}

// Open initializes the audio context and starts the playback device.
// The capture device is created lazily on the first StartCapture so that
// keyboard-only sessions never touch the microphone.
func Open(sampleRate, bufferSize int) (*Device, error) {
	logger := observability.WithComponent("audio")

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug().Str("malgo", message).Msg("miniaudio")
	})
	if err != nil {
		return nil, fmt.Errorf("malgo InitContext failed: %w", err)
	}

	d := &Device{
		audioContext: audioCtx,
		sampleRate:   sampleRate,
		logger:       logger,
		ring:         audio.NewRingBuffer(bufferSize),
		closed:       make(chan struct{}),
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(sampleRate)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = uint32(sampleRate / 20) // 50ms
	config.Periods = 4

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16)
	d.playback, err = malgo.InitDevice(audioCtx.Context, config, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			need := int(frameCount) * bytesPerFrame
			if need > len(pOutput) {
				need = len(pOutput)
			}
			d.ring.FillFrom(pOutput[:need])
		},
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := d.playback.Start(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	logger.Info().Int("sample_rate", sampleRate).Msg("Audio device ready")
	return d, nil
}

// SampleRate returns the device sample rate in Hz.
func (d *Device) SampleRate() int {
	return d.sampleRate
}

// StartCapture starts delivering microphone audio to onAudio.
func (d *Device) StartCapture(onAudio func(pcm []byte)) error {
	d.captureMu.Lock()
	defer d.captureMu.Unlock()

	select {
	case <-d.closed:
		return ErrClosed
	default:
	}

	if d.capture == nil {
		if err := d.initCapture(); err != nil {
			return err
		}
	}

	d.onAudio.Store(&onAudio)
	if d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (d *Device) initCapture() error {
	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(d.sampleRate)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = 1
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = uint32(d.sampleRate / 50) // 20ms
	config.Periods = 3

	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16)
	device, err := malgo.InitDevice(d.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(pInput) < n {
				return
			}
			onAudio := d.onAudio.Load()
			if onAudio == nil {
				return
			}
			// malgo reuses the input buffer
			chunk := make([]byte, n)
			copy(chunk, pInput[:n])
			(*onAudio)(chunk)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	d.capture = device
	return nil
}

// StopCapture stops the microphone. Safe to call when not capturing.
func (d *Device) StopCapture() error {
	d.captureMu.Lock()
	defer d.captureMu.Unlock()

	d.onAudio.Store(nil)
	if d.capture == nil || !d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

// Play queues pcm and blocks until it has drained through the device.
func (d *Device) Play(ctx context.Context, pcm []byte) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if len(pcm) > 0 {
			n := d.ring.Write(pcm)
			pcm = pcm[n:]
		} else if d.ring.IsEmpty() {
			return nil
		}

		select {
		case <-ctx.Done():
			d.ring.Clear()
			return ctx.Err()
		case <-d.closed:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// Close releases both devices and the context.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)

		d.captureMu.Lock()
		if d.capture != nil {
			d.capture.Uninit()
			d.capture = nil
		}
		d.onAudio.Store(nil)
		d.captureMu.Unlock()

		if d.playback != nil {
			d.playback.Uninit()
			d.playback = nil
		}
		d.ring.Clear()

		_ = d.audioContext.Uninit()
		d.audioContext.Free()
		d.logger.Info().Msg("Audio device closed")
	})
}

var (
	_ audio.Source = (*Device)(nil)
	_ audio.Sink   = (*Device)(nil)
)
