// Package rpc serves EntitlementsService for internal callers that prefer gRPC to the
// HTTP entitlements endpoint.
package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/captionforge/captionforge/libs/entitlementsrpc"
	"github.com/captionforge/captionforge/services/billing-service/internal/accounts"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type server struct {
	store  accounts.Store
	logger *slog.Logger
	now    func() time.Time
}

func Register(grpcServer grpc.ServiceRegistrar, store accounts.Store, logger *slog.Logger) {
	entitlementsrpc.RegisterServer(grpcServer, &server{store: store, logger: logger, now: time.Now})
}

func (s *server) GetEntitlements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accountID := entitlementsrpc.AccountID(req)
	if accountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	summary, err := accounts.Summarize(ctx, s.store, accountID, s.now(), s.logger)
	if err != nil {
		s.logger.Error("grpc entitlements lookup failed", "err", err, "account_id", accountID)
		return nil, status.Error(codes.Unavailable, "entitlements temporarily unavailable")
	}
	return entitlementsrpc.EncodeSummary(summary)
}
