package audio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxConsecutiveFailures = 50
	playbackIdle           = 10 * time.Millisecond
	stopTimeout            = time.Second
)

var ErrPipelineStopped = errors.New("audio pipeline stopped")

// Pipeline runs the capture and playback loops of one call. Captured frames are
// sent to the remote peer and also kept in a local echo buffer, which playback
// drains when it is not given a receiver buffer.
type Pipeline struct {
	device Device
	format Format
	echo   *RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	input   InputStream
	output  OutputStream
	udp     *net.UDPConn
	stopped bool
}

func NewPipeline(device Device, format Format, bufferFrames int) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		device: device,
		format: format,
		echo:   NewRingBuffer(bufferFrames),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pipeline) Echo() *RingBuffer {
	return p.echo
}

// StartCapture opens the input stream and starts the capture loop. When
// remote is non-empty every frame is also sent to it over a dedicated UDP
// socket.
func (p *Pipeline) StartCapture(remote string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPipelineStopped
	}
	if p.input != nil {
		return errors.New("capture already running")
	}

	var udp *net.UDPConn
	if remote != "" {
		raddr, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", remote, err)
		}
		udp, err = net.DialUDP("udp", nil, raddr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", remote, err)
		}
	}

	in, err := p.device.OpenInput(p.format)
	if err != nil {
		if udp != nil {
			udp.Close()
		}
		return fmt.Errorf("open input: %w", err)
	}
	p.input = in
	p.udp = udp

	log.Info().Str("module", "audio").Str("remote", remote).Int("frame_bytes", p.format.FrameBytes()).Msg("capture started")

	p.wg.Add(1)
	go p.captureLoop(in, udp)
	return nil
}

// StartPlayback opens the output stream and plays frames from buf, or from
// the echo buffer when buf is nil.
func (p *Pipeline) StartPlayback(buf *RingBuffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPipelineStopped
	}
	if p.output != nil {
		return errors.New("playback already running")
	}
	if buf == nil {
		buf = p.echo
	}

	out, err := p.device.OpenOutput(p.format)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	p.output = out

	log.Info().Str("module", "audio").Bool("echo", buf == p.echo).Msg("playback started")

	p.wg.Add(1)
	go p.playbackLoop(out, buf)
	return nil
}

func (p *Pipeline) captureLoop(in InputStream, udp *net.UDPConn) {
	defer p.wg.Done()

	frame := make([]byte, p.format.FrameBytes())
	failures := 0
	for p.ctx.Err() == nil {
		if err := in.Read(frame); err != nil {
			if errors.Is(err, ErrStreamClosed) || p.ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Str("module", "audio").Err(err).Int("failures", failures).Msg("capture read failed")
			if failures >= maxConsecutiveFailures {
				log.Error().Str("module", "audio").Msg("capture stopped after repeated failures")
				return
			}
			continue
		}
		failures = 0

		out := make([]byte, len(frame))
		copy(out, frame)
		if udp != nil {
			if _, err := udp.Write(out); err != nil {
				log.Debug().Str("module", "audio").Err(err).Msg("send frame failed")
			}
		}
		p.echo.Push(out)
	}
}

func (p *Pipeline) playbackLoop(out OutputStream, buf *RingBuffer) {
	defer p.wg.Done()

	idle := time.NewTimer(playbackIdle)
	defer idle.Stop()

	failures := 0
	for p.ctx.Err() == nil {
		frame, ok := buf.Pop()
		if !ok {
			idle.Reset(playbackIdle)
			select {
			case <-p.ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		if err := out.Write(frame); err != nil {
			if errors.Is(err, ErrStreamClosed) || p.ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Str("module", "audio").Err(err).Int("failures", failures).Msg("playback write failed")
			if failures >= maxConsecutiveFailures {
				log.Error().Str("module", "audio").Msg("playback stopped after repeated failures")
				return
			}
			continue
		}
		failures = 0
	}
}

// Stop ends both loops, waiting at most one second for them, then releases
// the streams and the socket. The pipeline cannot be restarted.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Warn().Str("module", "audio").Msg("audio loops did not stop in time")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.input != nil {
		p.input.Close()
	}
	if p.output != nil {
		p.output.Close()
	}
	if p.udp != nil {
		p.udp.Close()
	}
	log.Info().Str("module", "audio").Uint64("dropped", p.echo.Dropped()).Msg("audio stopped")
}
