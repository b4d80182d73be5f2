package oidcx

import "context"

type userKey struct{}

// BindUser stores the normalized user inside the context for downstream handlers.
func BindUser(ctx context.Context, user *NormalizedUser) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext retrieves the user previously stored by BindUser.
func UserFromContext(ctx context.Context) (*NormalizedUser, bool) {
	if ctx == nil {
		return nil, false
	}
	user, ok := ctx.Value(userKey{}).(*NormalizedUser)
	return user, ok && user != nil
}

// detach returns a context that carries ctx's values (trace spans, request
// IDs) but never expires. Shared fetches run on it so one caller giving up
// does not fail the others waiting on the same result.
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
