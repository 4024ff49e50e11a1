package server

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/rpc/common"
	"github.com/strandcdn/strand/rpc/serializer"
	"github.com/strandcdn/strand/rpc/transport"
)

var log = logger.Get("rpc/server")

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		config,
//		tcp.NewTCPDefaultServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	s.RegisterAdapter(common.ServiceFetch, server.NewFetchServerAdapter(node))
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	log.Info().Msg("created RPC server")
	log.Info().Msg(config.String())

	// Create the RPC server
	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapters:   xsync.NewMapOf[uint64, IRPCServerAdapter](),
	}
}

// RPCServer dispatches incoming requests to the adapter registered for the
// frame's service id.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapters   *xsync.MapOf[uint64, IRPCServerAdapter]
}

// RegisterAdapter binds an adapter to a service id. Must be called before
// Serve.
func (s *RPCServer) RegisterAdapter(serviceID uint64, adapter IRPCServerAdapter) {
	s.adapters.Store(serviceID, adapter)
	log.Info().Uint64("service_id", serviceID).Msg("registered adapter")
}

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(serviceID uint64, req []byte) []byte {
		var msg common.Message
		var respMsg common.Message

		// Get appropriate adapter
		adapter, ok := s.adapters.Load(serviceID)

		// Case service does not exist -> error
		if !ok {
			respMsg = common.Message{
				MsgType: common.MsgTError,
				Err:     "service not found",
			}
		} else {
			// Decode the request
			err := s.serializer.Deserialize(req, &msg)

			if err != nil {
				respMsg = common.Message{
					MsgType: common.MsgTError,
					Err:     fmt.Sprintf("failed to deserialize request: %s", err),
				}
			} else {
				// Let the adapter handle the request
				respMsg = *adapter.Handle(&msg)
			}
		}

		// Return result
		val, err := s.serializer.Serialize(respMsg)
		if err != nil {
			log.Error().Err(err).Msg("failed to serialize response")
			return nil
		}
		return val
	})
}

// Serve starts the RPC server
// This function will also initialize the logging and start the transport layer
func (s *RPCServer) Serve() error {
	// Init loggers
	if s.config.LogLevel != "" {
		if err := common.InitLoggers(s.config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
			return err
		}
	}

	// Configure the transport layer
	s.registerTransportHandler()

	return s.transport.Listen(s.config)
}
