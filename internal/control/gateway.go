package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

// NewGateway returns an HTTP/JSON mux that calls srv in process. The
// Authorization header is forwarded as gRPC metadata, so srv applies the
// same bearer token check as over gRPC.
func NewGateway(srv ControlServer) (*gwruntime.ServeMux, error) {
	mux := gwruntime.NewServeMux(
		gwruntime.WithMarshalerOption(gwruntime.MIMEWildcard, &gwruntime.HTTPBodyMarshaler{
			Marshaler: &gwruntime.JSONPb{
				MarshalOptions:   protojson.MarshalOptions{EmitUnpopulated: true},
				UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
			},
		}),
	)
	g := &gateway{srv: srv, mux: mux}

	routes := []struct {
		method, pattern, rpc string
		h                    func(ctx context.Context, w http.ResponseWriter, r *http.Request, p map[string]string) (any, error)
	}{
		{"POST", "/v1/connect", "Connect", func(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
			var req ConnectRequest
			if err := g.decode(r, &req); err != nil {
				return nil, err
			}
			return srv.Connect(ctx, &req)
		}},
		{"POST", "/v1/listen", "StartListening", func(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
			var req ListenRequest
			if err := g.decode(r, &req); err != nil {
				return nil, err
			}
			return srv.StartListening(ctx, &req)
		}},
		{"GET", "/v1/history", "GetClipboardHistory", g.history},
		{"DELETE", "/v1/history", "ClearHistory", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (any, error) {
			return srv.ClearHistory(ctx, &Empty{})
		}},
		{"POST", "/v1/history/{id}/copy", "CopyClipboardFrom", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, p map[string]string) (any, error) {
			return srv.CopyClipboardFrom(ctx, &IDRequest{ID: p["id"]})
		}},
		{"DELETE", "/v1/history/{id}", "DeleteClipboardHistory", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, p map[string]string) (any, error) {
			return srv.DeleteClipboardHistory(ctx, &IDRequest{ID: p["id"]})
		}},
		{"GET", "/v1/history/{id}/base64", "GetImageAsBase64", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, p map[string]string) (any, error) {
			return srv.GetImageAsBase64(ctx, &IDRequest{ID: p["id"]})
		}},
		{"GET", "/v1/history/{id}/image", "GetImage", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, p map[string]string) (any, error) {
			return srv.GetImage(ctx, &IDRequest{ID: p["id"]})
		}},
		{"POST", "/v1/save", "SaveAppData", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (any, error) {
			return srv.SaveAppData(ctx, &Empty{})
		}},
		{"POST", "/v1/messages", "SendMessage", func(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
			var req SendMessageRequest
			if err := g.decode(r, &req); err != nil {
				return nil, err
			}
			return srv.SendMessage(ctx, &req)
		}},
		{"GET", "/v1/messages", "GetMessages", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (any, error) {
			return srv.GetMessages(ctx, &Empty{})
		}},
		{"POST", "/v1/clipboard/send", "SendClipboard", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (any, error) {
			return srv.SendClipboard(ctx, &Empty{})
		}},
		{"POST", "/v1/sharing", "SetSharing", func(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
			var req SharingRequest
			if err := g.decode(r, &req); err != nil {
				return nil, err
			}
			return srv.SetSharing(ctx, &req)
		}},
		{"POST", "/v1/disconnect", "Disconnect", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (any, error) {
			return srv.Disconnect(ctx, &Empty{})
		}},
		{"POST", "/v1/listen/stop", "StopListening", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (any, error) {
			return srv.StopListening(ctx, &Empty{})
		}},
		{"POST", "/v1/signal", "Signal", func(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
			var req SignalRequest
			if err := g.decode(r, &req); err != nil {
				return nil, err
			}
			return srv.Signal(ctx, &req)
		}},
		{"GET", "/v1/status", "Status", func(ctx context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (any, error) {
			return srv.Status(ctx, &Empty{})
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, g.handle(rt.rpc, rt.pattern, rt.h)); err != nil {
			return nil, fmt.Errorf("gateway route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

type gateway struct {
	srv ControlServer
	mux *gwruntime.ServeMux
}

// errNotModified short-circuits a handler that already answered 304.
var errNotModified = errors.New("not modified")

func (g *gateway) handle(rpc, pattern string, h func(context.Context, http.ResponseWriter, *http.Request, map[string]string) (any, error)) gwruntime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		_, out := gwruntime.MarshalerForRequest(g.mux, r)
		ctx, err := gwruntime.AnnotateIncomingContext(r.Context(), g.mux, r, fullMethod(rpc), gwruntime.WithHTTPPathPattern(pattern))
		if err != nil {
			gwruntime.HTTPError(r.Context(), g.mux, out, w, r, err)
			return
		}
		resp, err := h(ctx, w, r, params)
		if errors.Is(err, errNotModified) {
			return
		}
		if err != nil {
			gwruntime.HTTPError(ctx, g.mux, out, w, r, err)
			return
		}
		buf, err := out.Marshal(resp)
		if err != nil {
			gwruntime.HTTPError(ctx, g.mux, out, w, r, err)
			return
		}
		w.Header().Set("Content-Type", out.ContentType(resp))
		_, _ = w.Write(buf)
	}
}

// decode reads a JSON request body. An empty body leaves v untouched.
func (g *gateway) decode(r *http.Request, v any) error {
	in, _ := gwruntime.MarshalerForRequest(g.mux, r)
	if err := in.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "request body: %v", err)
	}
	return nil
}

// history serves GET /v1/history with the history version as ETag, so
// polling clients get 304 Not Modified while nothing changes.
func (g *gateway) history(ctx context.Context, w http.ResponseWriter, r *http.Request, _ map[string]string) (any, error) {
	resp, err := g.srv.GetClipboardHistory(ctx, &Empty{})
	if err != nil {
		return nil, err
	}
	etag := strconv.Quote("v" + strconv.FormatUint(resp.Version, 10))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil, errNotModified
	}
	return resp, nil
}
