package crypto

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// Transport is the home-server surface the engine depends on. All calls
// are fallible and retryable; *mautrix.Client satisfies this interface.
type Transport interface {
	UploadKeys(ctx context.Context, req *mautrix.ReqUploadKeys) (*mautrix.RespUploadKeys, error)
	QueryKeys(ctx context.Context, req *mautrix.ReqQueryKeys) (*mautrix.RespQueryKeys, error)
	ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error)
	SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error)
}
