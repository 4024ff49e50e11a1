package server

import (
	"fmt"
	"time"

	"github.com/strandcdn/strand/rpc/common"
)

// IFetchBackend is the relay-side service behind the fetch adapter. The relay
// node implements this with its cache-then-tunnel cascade.
type IFetchBackend interface {
	// Fetch resolves a normalized cache key against the local cache and, on a
	// miss, through the origin tunnel identified by originID.
	Fetch(key, originID string) (payload []byte, ttl time.Duration, found bool, err error)
}

// NewFetchServerAdapter creates the adapter serving fetch requests
func NewFetchServerAdapter(backend IFetchBackend) IRPCServerAdapter {
	return &fetchServerAdapterImpl{backend: backend}
}

type fetchServerAdapterImpl struct {
	backend IFetchBackend
}

func (adapter *fetchServerAdapterImpl) Handle(req *common.Message) *common.Message {
	// Check for nil backend
	if adapter.backend == nil {
		return common.NewErrorResponse("handler: fetch backend is nil")
	}

	switch req.MsgType {
	case common.MsgTFetch:
		payload, ttl, found, err := adapter.backend.Fetch(req.Key, req.OriginID)
		return common.NewFetchResponse(payload, uint64(ttl.Milliseconds()), found, err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("rpc fetch adapter - unsupported message type: %s", req.MsgType),
		)
	}
}
