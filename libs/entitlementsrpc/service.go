// Package entitlementsrpc defines the EntitlementsService gRPC contract. Messages are
// google.protobuf.Struct so the service needs no generated code; the payload is the
// JSON form of entitlements.Summary.
package entitlementsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/grpcx"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName           = "captionforge.entitlements.v1.EntitlementsService"
	GetEntitlementsMethod = "/" + ServiceName + "/GetEntitlements"
)

type Server interface {
	GetEntitlements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEntitlements", Handler: getEntitlementsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "captionforge/entitlements/v1/entitlements.proto",
}

func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func getEntitlementsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetEntitlements(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetEntitlementsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).GetEntitlements(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func NewRequest(accountID string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"account_id": accountID})
}

// AccountID reads the account_id field of a request.
func AccountID(req *structpb.Struct) string {
	return strings.TrimSpace(req.GetFields()["account_id"].GetStringValue())
}

func EncodeSummary(s entitlements.Summary) (*structpb.Struct, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return out, nil
}

func DecodeSummary(st *structpb.Struct) (entitlements.Summary, error) {
	b, err := st.MarshalJSON()
	if err != nil {
		return entitlements.Summary{}, err
	}
	var s entitlements.Summary
	if err := json.Unmarshal(b, &s); err != nil {
		return entitlements.Summary{}, fmt.Errorf("decode entitlements summary: %w", err)
	}
	return s, nil
}

// Client calls EntitlementsService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to addr with the shared tracing and request-id options.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) GetEntitlements(ctx context.Context, accountID string) (entitlements.Summary, error) {
	req, err := NewRequest(accountID)
	if err != nil {
		return entitlements.Summary{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetEntitlementsMethod, req, out); err != nil {
		return entitlements.Summary{}, err
	}
	return DecodeSummary(out)
}
