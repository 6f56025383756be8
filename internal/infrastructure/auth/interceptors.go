package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	mdAuthorization = "authorization"
	mdServiceToken  = "x-service-token"
	mdTenantID      = "x-tenant-id"
	mdActorID       = "x-actor-id"
	mdActorRoles    = "x-actor-roles"
)

func UnaryServerInterceptor(mgr *Manager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		actor, err := authenticate(ctx, mgr)
		if err != nil {
			return nil, err
		}
		return handler(WithActor(ctx, actor), req)
	}
}

func StreamServerInterceptor(mgr *Manager) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		actor, err := authenticate(ss.Context(), mgr)
		if err != nil {
			return err
		}
		wrapped := &serverStreamWithContext{
			ServerStream: ss,
			ctx:          WithActor(ss.Context(), actor),
		}
		return handler(srv, wrapped)
	}
}

type serverStreamWithContext struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStreamWithContext) Context() context.Context { return s.ctx }

func authenticate(ctx context.Context, mgr *Manager) (Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	actor, err := mgr.Authenticate(Credentials{
		Bearer:       BearerToken(first(md.Get(mdAuthorization))),
		ServiceToken: first(md.Get(mdServiceToken)),
		TenantID:     first(md.Get(mdTenantID)),
		ActorID:      first(md.Get(mdActorID)),
		Roles:        first(md.Get(mdActorRoles)),
	})
	if err != nil {
		return Actor{}, status.Error(codes.Unauthenticated, err.Error())
	}
	return actor, nil
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
