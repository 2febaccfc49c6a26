package control

import (
	"context"
	"errors"
	"io"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
)

// Client calls the Control service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc. The JSON codec is selected per call.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Connect(ctx context.Context, address string, port int) (*ConnectResponse, error) {
	return invoke[ConnectResponse](ctx, c, "Connect", &ConnectRequest{Address: address, Port: port})
}

func (c *Client) StartListening(ctx context.Context, port int) (*ListenResponse, error) {
	return invoke[ListenResponse](ctx, c, "StartListening", &ListenRequest{Port: port})
}

func (c *Client) History(ctx context.Context) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c, "GetClipboardHistory", &Empty{})
}

func (c *Client) CopyFrom(ctx context.Context, id string) (*RecordResponse, error) {
	return invoke[RecordResponse](ctx, c, "CopyClipboardFrom", &IDRequest{ID: id})
}

func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c, "DeleteClipboardHistory", &IDRequest{ID: id})
	return err
}

func (c *Client) Save(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "SaveAppData", &Empty{})
	return err
}

func (c *Client) ImageBase64(ctx context.Context, id string) (*ImageBase64Response, error) {
	return invoke[ImageBase64Response](ctx, c, "GetImageAsBase64", &IDRequest{ID: id})
}

func (c *Client) Image(ctx context.Context, id string) (*httpbody.HttpBody, error) {
	return invoke[httpbody.HttpBody](ctx, c, "GetImage", &IDRequest{ID: id})
}

func (c *Client) SendMessage(ctx context.Context, text string) error {
	_, err := invoke[Empty](ctx, c, "SendMessage", &SendMessageRequest{Text: text})
	return err
}

func (c *Client) SendClipboard(ctx context.Context) (*RecordResponse, error) {
	return invoke[RecordResponse](ctx, c, "SendClipboard", &Empty{})
}

func (c *Client) SetSharing(ctx context.Context, enabled bool) (*SharingResponse, error) {
	return invoke[SharingResponse](ctx, c, "SetSharing", &SharingRequest{Enabled: enabled})
}

func (c *Client) Disconnect(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "Disconnect", &Empty{})
	return err
}

func (c *Client) StopListening(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "StopListening", &Empty{})
	return err
}

func (c *Client) ClearHistory(ctx context.Context) (*ClearResponse, error) {
	return invoke[ClearResponse](ctx, c, "ClearHistory", &Empty{})
}

func (c *Client) Messages(ctx context.Context) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "GetMessages", &Empty{})
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &Empty{})
}

func (c *Client) Signal(ctx context.Context, payload string) error {
	_, err := invoke[Empty](ctx, c, "Signal", &SignalRequest{Payload: payload})
	return err
}

// Events opens the event stream and calls fn for every event until ctx ends,
// the server closes the stream or fn returns an error. A clean end of stream
// returns nil.
func (c *Client) Events(ctx context.Context, names []string, fn func(*EventMessage) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Events"), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&EventsRequest{Names: names}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(EventMessage)
		if err := stream.RecvMsg(ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
