package entitlementsrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/plans"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeServer struct{}

func (fakeServer) GetEntitlements(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if AccountID(req) == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	return EncodeSummary(entitlements.Summarize(
		&entitlements.Subscription{Plan: "pro", Status: entitlements.StatusActive},
		&entitlements.Usage{CaptionsUsed: 12, ResetDate: time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)},
	))
}

func dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, fakeServer{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGetEntitlementsOverGRPC(t *testing.T) {
	client := NewClient(dial(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.GetEntitlements(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetEntitlements: %v", err)
	}
	if s.View.Plan != plans.Pro || !s.View.IsActive {
		t.Fatalf("unexpected view %+v", s.View)
	}
	if !s.CaptionsRemaining.Unlimited || s.View.CaptionsUsed != 12 {
		t.Fatalf("unexpected quota %+v", s)
	}
	if !s.Features[plans.FeatureHashtagSuggestions] {
		t.Fatal("expected hashtag suggestions unlocked on pro")
	}

	_, err = client.GetEntitlements(ctx, " ")
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
