package client

import (
	"time"

	"github.com/strandcdn/strand/rpc/common"
	"github.com/strandcdn/strand/rpc/serializer"
	"github.com/strandcdn/strand/rpc/transport"
)

// IRelayClient is the interface edge nodes use to reach the relay tier over
// the internal anycast address.
type IRelayClient interface {
	// Fetch asks the relay tier for the content behind a normalized cache key.
	// The origin id routes the request through the right tunnel on a miss.
	// found is false when the origin has no content for the key. The returned
	// ttl is the origin's freshness hint (0 = no hint).
	Fetch(key, originID string) (payload []byte, ttl time.Duration, found bool, err error)

	// Certificate retrieves the TLS material (concatenated cert and key PEM
	// blocks) for a hostname from the relay tier.
	Certificate(hostname string) (bundle []byte, err error)

	// Close closes the underlying transport
	Close() error
}

// NewRelayClient creates a new relay client
// The function takes a config, a transport and a serializer as parameters
// It returns an IRelayClient and an error
func NewRelayClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (IRelayClient, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	// Create a new relay client
	c := relayClient{
		rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}

	// Return the relay client
	return &c, nil
}

type relayClient struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IRelayClient)
// --------------------------------------------------------------------------

func (c *relayClient) Fetch(key, originID string) ([]byte, time.Duration, bool, error) {
	req := common.NewFetchRequest(key, originID)
	resp, err := invokeRPCRequest(common.ServiceFetch, req, c.transport, c.serializer)
	if err != nil {
		return nil, 0, false, err
	}
	return resp.Payload, time.Duration(resp.TTLHint) * time.Millisecond, resp.Ok, nil
}

func (c *relayClient) Certificate(hostname string) ([]byte, error) {
	req := common.NewCertificateRequest(hostname)
	resp, err := invokeRPCRequest(common.ServiceCertificate, req, c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *relayClient) Close() error {
	return c.transport.Close()
}
