package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"

	"github.com/streamhook/media-processor/internal/logger"
	"github.com/streamhook/media-processor/pkg/types"
)

const (
	videoClockRate = 90000
	maxLatePackets = 50
	frameBuffer    = 30 // ~1 second at typical rates
)

// Source yields decoded frames from one media session. Next blocks until a
// frame arrives, the stream ends (io.EOF), or a transport error occurs.
type Source interface {
	Next(ctx context.Context) (*types.VideoFrame, error)
	Close() error
}

// Decoder turns one encoded access unit into pixels. Decoding is a
// collaborator concern; implementations wrap whatever codec support the
// deployment provides.
type Decoder interface {
	Decode(sample []byte) (image.Image, error)
}

// JPEGDecoder decodes MJPEG track samples with the standard library
type JPEGDecoder struct{}

// Decode implements Decoder
func (JPEGDecoder) Decode(sample []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(sample))
	if err != nil {
		return nil, fmt.Errorf("jpeg decode failed: %w", err)
	}
	return img, nil
}

// TrackSource adapts a remote RTP track into a Source: packets are
// reassembled into samples and handed to the Decoder.
type TrackSource struct {
	track   *webrtc.TrackRemote
	decoder Decoder

	frames   chan *types.VideoFrame
	errs     chan error
	stop     chan struct{}
	stopOnce sync.Once

	framesDropped uint64
	decodeErrors  uint64
}

// NewTrackSource starts reading the given track. The decoder must match the
// negotiated codec.
func NewTrackSource(track *webrtc.TrackRemote, decoder Decoder) *TrackSource {
	s := &TrackSource{
		track:   track,
		decoder: decoder,
		frames:  make(chan *types.VideoFrame, frameBuffer),
		errs:    make(chan error, 1),
		stop:    make(chan struct{}),
	}

	go s.readLoop()
	return s
}

func depacketizerFor(mimeType string) rtp.Depacketizer {
	switch mimeType {
	case webrtc.MimeTypeVP8:
		return &codecs.VP8Packet{}
	case webrtc.MimeTypeH264:
		return &codecs.H264Packet{}
	default:
		return &codecs.H264Packet{}
	}
}

// readLoop reassembles samples and pushes decoded frames
func (s *TrackSource) readLoop() {
	builder := samplebuilder.New(maxLatePackets, depacketizerFor(s.track.Codec().MimeType), videoClockRate)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Media", "Track ended: %s", s.track.ID())
				close(s.frames)
				return
			}
			// Surface the error; keep reading so a transient glitch
			// does not end the stream.
			select {
			case s.errs <- err:
			default:
			}
			continue
		}

		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			img, err := s.decoder.Decode(sample.Data)
			if err != nil {
				s.decodeErrors++
				logger.Debug("Media", "Decode error: %v", err)
				continue
			}

			bounds := img.Bounds()
			frame := &types.VideoFrame{
				Image:     img,
				Width:     bounds.Dx(),
				Height:    bounds.Dy(),
				Timestamp: time.Now(),
			}

			// Non-blocking send; a stalled downstream drops frames
			// rather than stalling RTP reads.
			select {
			case s.frames <- frame:
			default:
				s.framesDropped++
			}
		}
	}
}

// Next implements Source
func (s *TrackSource) Next(ctx context.Context) (*types.VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.errs:
		return nil, err
	case frame, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

// Close implements Source. Safe to call more than once.
func (s *TrackSource) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
