package advisory

import (
	"context"

	"github.com/rotisserie/eris"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

// Suggest travels as a google.protobuf.Struct in both directions so the
// sidecar needs no generated stubs.
const (
	grpcService       = "adaptive.v1.Advisory"
	grpcSuggestMethod = "/" + grpcService + "/Suggest"
)

// #region client

// GRPCClient calls an advisory sidecar.
type GRPCClient struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// NewGRPCClient connects to the sidecar at addr.
func NewGRPCClient(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "grpc dial %s", addr)
	}
	return &GRPCClient{conn: conn, own: conn}, nil
}

// NewGRPCClientWithConn uses an existing connection. Close will not close it.
func NewGRPCClientWithConn(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Close shuts down a connection opened by NewGRPCClient.
func (c *GRPCClient) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

// Suggest sends req to the sidecar.
func (c *GRPCClient) Suggest(ctx context.Context, req Request) (Suggestion, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return Suggestion{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcSuggestMethod, in, out); err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return Suggestion{}, resilience.Transient(eris.Wrap(err, "suggest rpc"))
		default:
			return Suggestion{}, eris.Wrap(err, "suggest rpc")
		}
	}
	return decodeSuggestion(out), nil
}

// #endregion client

// #region server

// RegisterGRPCServer exposes svc on s under the advisory service name.
func RegisterGRPCServer(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcService,
		HandlerType: (*Service)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Suggest",
			Handler:    suggestHandler,
		}},
		Metadata: "advisory",
	}, svc)
}

func suggestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		s, err := srv.(Service).Suggest(ctx, decodeRequest(req.(*structpb.Struct)))
		if err != nil {
			if eris.Is(err, ErrUnavailable) {
				return nil, status.Error(codes.Unavailable, err.Error())
			}
			return nil, status.Error(codes.Internal, err.Error())
		}
		return encodeSuggestion(s)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcSuggestMethod}
	return interceptor(ctx, in, info, call)
}

// #endregion server

// #region wire

func encodeRequest(req Request) (*structpb.Struct, error) {
	signals := make([]any, len(req.Signals))
	for i, s := range req.Signals {
		signals[i] = s
	}
	st, err := structpb.NewStruct(map[string]any{
		"purpose": string(req.Purpose),
		"target":  req.Target,
		"body":    req.Body,
		"summary": req.Summary,
		"signals": signals,
	})
	return st, eris.Wrap(err, "encode request")
}

func decodeRequest(st *structpb.Struct) Request {
	f := st.GetFields()
	req := Request{
		Purpose: Purpose(f["purpose"].GetStringValue()),
		Target:  f["target"].GetStringValue(),
		Body:    f["body"].GetStringValue(),
		Summary: f["summary"].GetStringValue(),
	}
	for _, v := range f["signals"].GetListValue().GetValues() {
		req.Signals = append(req.Signals, v.GetStringValue())
	}
	return req
}

func encodeSuggestion(s Suggestion) (*structpb.Struct, error) {
	findings := make([]any, len(s.Findings))
	for i, f := range s.Findings {
		findings[i] = map[string]any{"kind": f.Kind, "strength": f.Strength, "note": f.Note}
	}
	st, err := structpb.NewStruct(map[string]any{
		"body":      s.Body,
		"rationale": s.Rationale,
		"source":    s.Source,
		"findings":  findings,
	})
	return st, eris.Wrap(err, "encode suggestion")
}

func decodeSuggestion(st *structpb.Struct) Suggestion {
	f := st.GetFields()
	s := Suggestion{
		Body:      f["body"].GetStringValue(),
		Rationale: f["rationale"].GetStringValue(),
		Source:    f["source"].GetStringValue(),
	}
	if s.Source == "" {
		s.Source = "grpc"
	}
	for _, v := range f["findings"].GetListValue().GetValues() {
		ff := v.GetStructValue().GetFields()
		s.Findings = append(s.Findings, Finding{
			Kind:     ff["kind"].GetStringValue(),
			Strength: ff["strength"].GetNumberValue(),
			Note:     ff["note"].GetStringValue(),
		})
	}
	return s
}

// #endregion wire
