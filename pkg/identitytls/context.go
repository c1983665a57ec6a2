package identitytls

import "context"

type contextKey int

const peerKey contextKey = iota

// WithPeer attaches peer information to ctx.
func WithPeer(ctx context.Context, peer PeerInfo) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// PeerFromContext returns the peer stored by WithPeer.
func PeerFromContext(ctx context.Context) (PeerInfo, bool) {
	if ctx == nil {
		return PeerInfo{}, false
	}
	peer, ok := ctx.Value(peerKey).(PeerInfo)
	return peer, ok
}
