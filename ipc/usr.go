package ipc

import (
	"context"
)

type usrKey struct{}

type usr struct {
	uid string
	// unchecked is set when the platform gives no way to identify the peer.
	unchecked bool
}

func contextWithUsr(ctx context.Context, u usr) context.Context {
	return context.WithValue(ctx, (*usrKey)(nil), u)
}

func usrFromContext(ctx context.Context) usr {
	u := ctx.Value((*usrKey)(nil))
	if u == nil {
		return usr{}
	}
	return u.(usr)
}
