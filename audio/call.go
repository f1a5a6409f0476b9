package audio

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

type CallOptions struct {
	ListenAddr   string
	Format       Format
	BufferFrames int
}

// Call is the client side of a voice call: a receiver bound before the call is
// signalled, plus a pipeline started once the peer's address is known.
type Call struct {
	receiver *Receiver
	pipeline *Pipeline
}

// ListenCall binds the receiver so its address can be advertised.
func ListenCall(device Device, opts CallOptions) (*Call, error) {
	if opts.Format == (Format{}) {
		opts.Format = DefaultFormat()
	}
	buf := NewRingBuffer(opts.BufferFrames)
	receiver, err := ListenReceiver(opts.ListenAddr, opts.Format.FrameBytes(), buf)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	return &Call{
		receiver: receiver,
		pipeline: NewPipeline(device, opts.Format, opts.BufferFrames),
	}, nil
}

// Start sends captured audio to remote and plays what the receiver gets. A
// subsystem that fails to start is reported in the returned error while the
// other keeps running.
func (c *Call) Start(remote string) error {
	var errs []error
	if err := c.pipeline.StartCapture(remote); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	}
	if err := c.pipeline.StartPlayback(c.receiver.Buffer()); err != nil {
		errs = append(errs, fmt.Errorf("playback: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Call) LocalAddr() *net.UDPAddr {
	return c.receiver.Addr()
}

func (c *Call) Receiver() *Receiver {
	return c.receiver
}

func (c *Call) Pipeline() *Pipeline {
	return c.pipeline
}

func (c *Call) Stop() {
	c.pipeline.Stop()
	c.receiver.Close()
}

// AdvertiseAddr combines the host a peer can reach us on (typically the local
// side of the signalling connection) with the receiver's port.
func AdvertiseAddr(reachable net.Addr, receiver *net.UDPAddr) string {
	host := ""
	if reachable != nil {
		if h, _, err := net.SplitHostPort(reachable.String()); err == nil {
			host = h
		}
	}
	if host == "" && receiver.IP != nil && !receiver.IP.IsUnspecified() {
		host = receiver.IP.String()
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(receiver.Port))
}
