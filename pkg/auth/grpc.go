package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// metadataAuthorization is the incoming metadata key carrying the bearer
// token. gRPC metadata keys are lowercase.
const metadataAuthorization = "authorization"

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// authenticates every call with the given validator and stores the
// resulting [UserContext] in the handler context.
//
// Missing or invalid credentials produce codes.Unauthenticated. The
// detailed validation error is logged server-side, never returned to the
// caller.
func UnaryServerInterceptor(validator TokenValidator) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authenticateGRPC(ctx, validator)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream server interceptor
// performing the same authentication as [UnaryServerInterceptor], wrapping
// the stream to carry the authenticated context.
func StreamServerInterceptor(validator TokenValidator) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authenticateGRPC(ss.Context(), validator)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryPolicyInterceptor returns a unary interceptor that evaluates the
// named policy against the authenticated identity. Place it after
// [UnaryServerInterceptor] in the chain.
func UnaryPolicyInterceptor(registry *PolicyRegistry, name string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := evaluateGRPCPolicy(ctx, registry, name); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// authenticateGRPC validates the bearer token in incoming metadata and
// returns a context carrying the authenticated UserContext.
func authenticateGRPC(ctx context.Context, validator TokenValidator) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokens := md.Get(metadataAuthorization)
	if len(tokens) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token := ExtractBearerToken(tokens[0])
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	uc, err := validator.Validate(ctx, token)
	if err != nil {
		slog.WarnContext(ctx, "auth: gRPC token validation failed",
			"error", err,
			"scheme", validator.Scheme(),
		)
		return ctx, status.Error(codes.Unauthenticated, "token validation failed")
	}

	return ContextWithUser(ctx, uc), nil
}

// evaluateGRPCPolicy maps policy results onto gRPC status codes: no
// identity is Unauthenticated, a denial is PermissionDenied, an unknown
// policy name is Internal.
func evaluateGRPCPolicy(ctx context.Context, registry *PolicyRegistry, name string) error {
	uc, ok := UserFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "request is not authenticated")
	}
	if err := registry.Evaluate(name, uc); err != nil {
		if herr.IsAuthorization(err) {
			return status.Errorf(codes.PermissionDenied, "policy %q denied the request", name)
		}
		slog.ErrorContext(ctx, "auth: gRPC policy evaluation failed",
			"policy", name,
			"error", err,
		)
		return status.Error(codes.Internal, "policy evaluation failed")
	}
	return nil
}

// wrappedServerStream overrides the stream's context with the
// authenticated one.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the authenticated context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
