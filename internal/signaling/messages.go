package signaling

import (
	"encoding/json"

	"github.com/streamhook/media-processor/pkg/types"
)

// Payloads exchanged with the coordination server. Capability and ICE/DTLS
// blobs are passed through opaquely; only the fields this service reads are
// given structure.

// NewProducerEvent announces a producer appearing on a stream
type NewProducerEvent struct {
	ProducerID string          `json:"producerId"`
	StreamID   string          `json:"streamId"`
	Kind       types.MediaKind `json:"kind"`
}

// ProducerClosedEvent announces a producer leaving a stream
type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
	StreamID   string `json:"streamId"`
}

// ChatMessageEvent carries one chat message in either direction
type ChatMessageEvent struct {
	StreamID string            `json:"streamId"`
	Message  types.ChatMessage `json:"message"`
}

// TransportOptions is the reply to createWebRtcTransport
type TransportOptions struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// CreateTransportRequest asks the server for a new transport
type CreateTransportRequest struct {
	Consuming bool `json:"consuming"`
	Producing bool `json:"producing"`
}

// ConsumeRequest asks the server to attach a consumer to a producer
type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// ConsumeReply carries the server-side consumer id and its offer SDP
type ConsumeReply struct {
	ID       string `json:"id"`
	LocalSDP string `json:"localSdp"`
}

// ConnectTransportRequest completes the DTLS handshake for a transport
type ConnectTransportRequest struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// CloseConsumerRequest releases a server-side consumer
type CloseConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}
