package bus

import "context"

type identCtxKey struct{}

// ContextWithIdent returns a context carrying a message correlation id.
// The bus stamps every handler invocation with the triggering message's
// ident, so work several layers removed from the message can still tag
// follow-up messages with the same correlation chain.
func ContextWithIdent(ctx context.Context, ident string) context.Context {
	if ident == "" {
		return ctx
	}
	return context.WithValue(ctx, identCtxKey{}, ident)
}

// IdentFromContext returns the correlation id carried by ctx, or ""
// when the triggering message had none.
func IdentFromContext(ctx context.Context) string {
	ident, _ := ctx.Value(identCtxKey{}).(string)
	return ident
}
