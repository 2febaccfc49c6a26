package control

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"go.klb.dev/clipshare/internal/clip"
	"go.klb.dev/clipshare/internal/engine"
	"go.klb.dev/clipshare/internal/events"
	"go.klb.dev/clipshare/internal/history"
	"go.klb.dev/clipshare/internal/monitor"
	"go.klb.dev/clipshare/internal/peerlink"
	"go.klb.dev/clipshare/internal/record"
)

// Service implements ControlServer on top of an engine.
type Service struct {
	eng   *engine.Engine
	token string // empty = no auth
	quit  <-chan struct{}
}

// NewService returns a Service backed by eng. token may be empty to disable
// auth.
func NewService(eng *engine.Engine, token string) *Service {
	return &Service{eng: eng, token: token}
}

func (s *Service) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	info, err := s.eng.Connect(ctx, req.Address, req.Port)
	if err != nil {
		return nil, toStatus(err)
	}
	slog.Info("connected on request", "addr", info.RemoteAddr, "by", addrFromCtx(ctx))
	return &ConnectResponse{Connection: info}, nil
}

func (s *Service) StartListening(ctx context.Context, req *ListenRequest) (*ListenResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if req.Port < 0 || req.Port > 65535 {
		return nil, status.Errorf(codes.InvalidArgument, "port %d out of range", req.Port)
	}
	if err := s.eng.StartListening(req.Port); err != nil {
		return nil, toStatus(err)
	}
	resp := &ListenResponse{Port: req.Port}
	if resp.Port == 0 {
		resp.Port = s.eng.ListenPort()
	}
	if st := s.eng.Status(); st.Listening {
		resp.Addr = st.ListenAddr
	}
	return resp, nil
}

func (s *Service) GetClipboardHistory(ctx context.Context, _ *Empty) (*HistoryResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	v := s.eng.HistoryVersion()
	return &HistoryResponse{Records: views(s.eng.History()), Version: v}, nil
}

func (s *Service) CopyClipboardFrom(ctx context.Context, req *IDRequest) (*RecordResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	rec, err := s.eng.CopyFrom(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RecordResponse{Record: rec.View()}, nil
}

func (s *Service) DeleteClipboardHistory(ctx context.Context, req *IDRequest) (*Empty, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if err := s.eng.Delete(req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) SaveAppData(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if err := s.eng.Save(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) GetImageAsBase64(ctx context.Context, req *IDRequest) (*ImageBase64Response, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	data, err := s.eng.ImageBase64(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ImageBase64Response{ID: req.ID, Data: data}, nil
}

func (s *Service) GetImage(ctx context.Context, req *IDRequest) (*httpbody.HttpBody, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	rec, err := s.eng.Image(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &httpbody.HttpBody{ContentType: "image/png", Data: rec.Payload}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*Empty, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if err := s.eng.SendMessage(req.Text); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) SendClipboard(ctx context.Context, _ *Empty) (*RecordResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	rec, err := s.eng.SendClipboard(ctx)
	switch {
	case errors.Is(err, engine.ErrNotDelivered):
		return &RecordResponse{Record: rec.View(), Warning: err.Error()}, nil
	case err != nil:
		return nil, toStatus(err)
	}
	return &RecordResponse{Record: rec.View()}, nil
}

func (s *Service) SetSharing(ctx context.Context, req *SharingRequest) (*SharingResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	s.eng.SetSharing(req.Enabled)
	return &SharingResponse{Enabled: s.eng.Sharing()}, nil
}

func (s *Service) Disconnect(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if err := s.eng.Disconnect(); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) StopListening(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if err := s.eng.StopListening(); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) ClearHistory(ctx context.Context, _ *Empty) (*ClearResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	return &ClearResponse{Removed: s.eng.ClearHistory()}, nil
}

func (s *Service) GetMessages(ctx context.Context, _ *Empty) (*MessagesResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: s.eng.Messages()}, nil
}

func (s *Service) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	return &StatusResponse{Status: s.eng.Status()}, nil
}

func (s *Service) Signal(ctx context.Context, req *SignalRequest) (*Empty, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	s.eng.Signal(req.Payload)
	return &Empty{}, nil
}

// Events streams engine events until the client goes away or the engine
// closes.
func (s *Service) Events(req *EventsRequest, stream EventsServer) error {
	ctx := stream.Context()
	if err := s.auth(ctx); err != nil {
		return err
	}
	want := make(map[string]bool, len(req.Names))
	for _, n := range req.Names {
		want[n] = true
	}

	ch, cancel := s.eng.Subscribe(0)
	defer cancel()
	slog.Info("event stream started", "peer", addrFromCtx(ctx), "filter", req.Names)
	defer slog.Info("event stream ended", "peer", addrFromCtx(ctx))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return status.Error(codes.Unavailable, "server shutting down")
		case ev, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "engine shut down")
			}
			if len(want) > 0 && !want[string(ev.Name)] {
				continue
			}
			msg, err := eventMessage(ev)
			if err != nil {
				slog.Warn("event not encodable", "event", string(ev.Name), "err", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func eventMessage(ev events.Event) (*EventMessage, error) {
	raw, err := ev.PayloadJSON()
	if err != nil {
		return nil, err
	}
	return &EventMessage{Name: string(ev.Name), Payload: raw, At: ev.At}, nil
}

// auth validates the bearer token in ctx metadata. Skipped when s.token is empty.
func (s *Service) auth(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	const prefix = "Bearer "
	tok := vals[0]
	if len(tok) > len(prefix) && tok[:len(prefix)] == prefix {
		tok = tok[len(prefix):]
	}
	if tok != s.token {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

func addrFromCtx(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "local"
}

// toStatus maps engine errors to gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		ce *peerlink.ConnectError
		be *peerlink.BindError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, history.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, history.ErrDuplicateID):
		code = codes.AlreadyExists
	case errors.As(err, &ce) && ce.Reason == peerlink.ReasonAddress:
		code = codes.InvalidArgument
	case errors.As(err, &ce), errors.Is(err, monitor.ErrAccess), errors.Is(err, clip.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, clip.ErrEmpty):
		code = codes.FailedPrecondition
	case errors.Is(err, peerlink.ErrNotConnected), errors.Is(err, peerlink.ErrNotListening),
		errors.Is(err, peerlink.ErrAlreadyListening), errors.As(err, &be),
		errors.Is(err, engine.ErrNotImage), errors.Is(err, engine.ErrNoStore):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrEmptyMessage), errors.Is(err, record.ErrInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrClosed), errors.Is(err, peerlink.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, peerlink.ErrQueueFull), errors.Is(err, peerlink.ErrResourceExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, monitor.ErrWrite):
		code = codes.Internal
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
