package control

import (
	"encoding/json"
	"time"

	"go.klb.dev/clipshare/internal/engine"
	"go.klb.dev/clipshare/internal/peerlink"
	"go.klb.dev/clipshare/internal/record"
)

// Request and response bodies of the Control service. They travel as JSON
// over gRPC and through the HTTP gateway alike.

type Empty struct{}

type ConnectRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type ConnectResponse struct {
	Connection peerlink.Info `json:"connection"`
}

type ListenRequest struct {
	// Port 0 selects the daemon's configured listen port.
	Port int `json:"port"`
}

type ListenResponse struct {
	Port int    `json:"port"`
	Addr string `json:"addr"`
}

type HistoryResponse struct {
	Records []record.View `json:"records"`
	Version uint64        `json:"version"`
}

type IDRequest struct {
	ID string `json:"id"`
}

type RecordResponse struct {
	Record record.View `json:"record"`
	// Warning is set when the record was kept but not delivered to every peer.
	Warning string `json:"warning,omitempty"`
}

type ImageBase64Response struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type SharingRequest struct {
	Enabled bool `json:"enabled"`
}

type SharingResponse struct {
	Enabled bool `json:"enabled"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

type MessagesResponse struct {
	Messages []engine.Message `json:"messages"`
}

type StatusResponse struct {
	engine.Status
}

type SignalRequest struct {
	Payload string `json:"payload"`
}

type EventsRequest struct {
	// Names filters the stream; empty means every event.
	Names []string `json:"names,omitempty"`
}

type EventMessage struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

func views(recs []record.Record) []record.View {
	out := make([]record.View, len(recs))
	for i, r := range recs {
		out[i] = r.View()
	}
	return out
}
