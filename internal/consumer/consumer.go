package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/streamhook/media-processor/internal/logger"
	"github.com/streamhook/media-processor/internal/media"
	"github.com/streamhook/media-processor/internal/signaling"
	"github.com/streamhook/media-processor/pkg/types"
)

const errorBackoff = time.Second

// Signaler is the slice of the signaling client the consumer needs
type Signaler interface {
	Call(ctx context.Context, event string, params any, out any) error
}

// FrameFunc receives every decoded frame, unthrottled. Sampling is strictly
// downstream of the consumer.
type FrameFunc func(frame *types.VideoFrame)

// Consumer owns one per-producer media session: it negotiates the transport
// through the signaling client and pumps decoded frames to its FrameFunc.
type Consumer struct {
	ID         string
	ProducerID string
	StreamID   string

	transportID    string
	consumerID     string // server-side consumer, set after consume()
	dtlsParameters json.RawMessage
	rtpCaps        json.RawMessage

	sig     Signaler
	pc      *webrtc.PeerConnection
	decoder media.Decoder
	onFrame FrameFunc

	mu             sync.Mutex
	framesReceived uint64
	fps            float64
	lastFrame      time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a consumer for one video producer. Transport negotiation
// happens in Start.
func New(sig Signaler, producerID, streamID string, transport signaling.TransportOptions, rtpCaps json.RawMessage, decoder media.Decoder, onFrame FrameFunc) (*Consumer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		ID:             uuid.NewString(),
		ProducerID:     producerID,
		StreamID:       streamID,
		transportID:    transport.ID,
		dtlsParameters: transport.DtlsParameters,
		rtpCaps:        rtpCaps,
		sig:            sig,
		pc:             pc,
		decoder:        decoder,
		onFrame:        onFrame,
		ctx:            ctx,
		cancel:         cancel,
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("Consumer", "Track received: %s (%s)", track.Kind(), track.Codec().MimeType)
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		src := media.NewTrackSource(track, c.decoder)
		c.wg.Add(1)
		go c.receiveLoop(src)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Consumer", "Consumer %s connection state: %s", c.ID, state.String())
	})

	return c, nil
}

// Start attaches the server-side consumer and completes the SDP/DTLS
// exchange. A failure aborts this consumer only.
func (c *Consumer) Start(ctx context.Context) error {
	var reply signaling.ConsumeReply
	err := c.sig.Call(ctx, "consume", signaling.ConsumeRequest{
		TransportID:     c.transportID,
		ProducerID:      c.ProducerID,
		RtpCapabilities: c.rtpCaps,
	}, &reply)
	if err != nil {
		return fmt.Errorf("consume failed for producer %s: %w", c.ProducerID, err)
	}
	if reply.ID == "" {
		return fmt.Errorf("consume returned no consumer id for producer %s", c.ProducerID)
	}
	c.consumerID = reply.ID

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: reply.LocalSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	err = c.sig.Call(ctx, "connectTransport", signaling.ConnectTransportRequest{
		TransportID:    c.transportID,
		DtlsParameters: c.dtlsParameters,
	}, nil)
	if err != nil {
		return fmt.Errorf("connectTransport failed: %w", err)
	}

	logger.Info("Consumer", "Consumer %s started for producer %s", c.consumerID, c.ProducerID)
	return nil
}

// receiveLoop pulls frames until end-of-stream. Transport errors are logged
// and retried after a fixed backoff; they never tear the stream down.
func (c *Consumer) receiveLoop(src media.Source) {
	defer c.wg.Done()
	defer src.Close()

	for {
		frame, err := src.Next(c.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Consumer", "Stream ended for consumer %s", c.consumerID)
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("Consumer", "Frame receive error: %v", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		c.mu.Lock()
		c.framesReceived++
		frame.Number = c.framesReceived
		if !c.lastFrame.IsZero() {
			if dt := frame.Timestamp.Sub(c.lastFrame).Seconds(); dt > 0 {
				c.fps = smoothFPS(c.fps, dt)
			}
		}
		c.lastFrame = frame.Timestamp
		c.mu.Unlock()

		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

// smoothFPS applies exponential smoothing over the instantaneous rate
func smoothFPS(prev, dt float64) float64 {
	return 0.7*prev + 0.3*(1.0/dt)
}

// Stop closes the transport session and releases the server-side consumer.
// Safe to call more than once and on a consumer that never finished setup.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		logger.Info("Consumer", "Stopping consumer %s", c.consumerID)
		c.cancel()
		if err := c.pc.Close(); err != nil {
			logger.Warn("Consumer", "Error closing peer connection: %v", err)
		}
		c.wg.Wait()

		if c.consumerID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := c.sig.Call(ctx, "closeConsumer", signaling.CloseConsumerRequest{ConsumerID: c.consumerID}, nil)
			if err != nil {
				logger.Warn("Consumer", "Error closing server-side consumer: %v", err)
			}
		}
	})
}

// Stats returns the received-frame count and smoothed fps
func (c *Consumer) Stats() (uint64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesReceived, c.fps
}
