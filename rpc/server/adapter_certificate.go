package server

import (
	"fmt"

	"github.com/strandcdn/strand/rpc/common"
)

// ICertificateBackend is the relay-side service behind the certificate
// adapter. It hands out the TLS material edge nodes terminate clients with.
type ICertificateBackend interface {
	// Bundle returns the concatenated cert and key PEM blocks for a hostname.
	Bundle(hostname string) ([]byte, error)
}

// NewCertificateServerAdapter creates the adapter serving certificate requests
func NewCertificateServerAdapter(backend ICertificateBackend) IRPCServerAdapter {
	return &certificateServerAdapterImpl{backend: backend}
}

type certificateServerAdapterImpl struct {
	backend ICertificateBackend
}

func (adapter *certificateServerAdapterImpl) Handle(req *common.Message) *common.Message {
	// Check for nil backend
	if adapter.backend == nil {
		return common.NewErrorResponse("handler: certificate backend is nil")
	}

	switch req.MsgType {
	case common.MsgTCertificate:
		bundle, err := adapter.backend.Bundle(req.Key)
		return common.NewCertificateResponse(bundle, err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("rpc certificate adapter - unsupported message type: %s", req.MsgType),
		)
	}
}
