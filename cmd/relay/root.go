package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/strandcdn/strand/cmd/util"
	"github.com/strandcdn/strand/lib/cache"
	"github.com/strandcdn/strand/lib/kv"
	"github.com/strandcdn/strand/lib/kv/engines/cedar"
	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/routing"
	"github.com/strandcdn/strand/relay"
	"github.com/strandcdn/strand/rpc/common"
	"github.com/strandcdn/strand/rpc/server"
	"github.com/strandcdn/strand/tunnel"
)

var RelayCmd = &cobra.Command{
	Use:     "relay",
	Short:   "Run a secondary node",
	Long:    cmdUtil.WrapString(`Run a secondary node: it terminates origin tunnels, serves the rpc fetch and certificate services for the edge tier, caches near the origin and participates in tier gossip. The configuration can be set via command line flags or environment variables (STRAND_<flag>, e.g. STRAND_RELAY_ID=relay-fra-1)`),
	PreRunE: func(cmd *cobra.Command, _ []string) error { return cmdUtil.BindCommandFlags(cmd) },
	RunE:    run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)
	cmdUtil.SetupRPCClientFlags(RelayCmd)

	key := "relay-id"
	RelayCmd.PersistentFlags().String(key, "relay-1", cmdUtil.WrapString("Unique identifier of this relay in the fabric"))

	key = "rpc-endpoint"
	RelayCmd.PersistentFlags().String(key, "0.0.0.0:4100", cmdUtil.WrapString("The internal address on which the rpc services listen"))

	key = "tunnel-endpoint"
	RelayCmd.PersistentFlags().String(key, "0.0.0.0:4200", cmdUtil.WrapString("The QUIC address on which origin connectors and edge peers connect"))

	key = "tunnel-cert"
	RelayCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path to the TLS certificate for the QUIC listener"))

	key = "tunnel-key"
	RelayCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path to the TLS key for the QUIC listener"))

	key = "cert-dir"
	RelayCmd.PersistentFlags().String(key, "certs", cmdUtil.WrapString("Directory holding the customer TLS bundles (<hostname>.pem)"))

	key = "stale-bound"
	RelayCmd.PersistentFlags().Duration(key, 30*time.Second, cmdUtil.WrapString("Maximum age of a stale cache entry served while the origin is unreachable"))

	key = "gossip-bind"
	RelayCmd.PersistentFlags().String(key, "0.0.0.0:4300", cmdUtil.WrapString("UDP address on which gossip heartbeats are received"))

	key = "gossip-advertise"
	RelayCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address advertised to peers in heartbeats (defaults to the rpc endpoint)"))

	key = "gossip-peers"
	RelayCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of peer gossip addresses"))

	key = "gossip-interval"
	RelayCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Heartbeat broadcast interval"))

	key = "log-level"
	RelayCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func run(_ *cobra.Command, _ []string) error {
	if err := logger.Init(viper.GetString("log-level")); err != nil {
		return err
	}

	relayID := viper.GetString("relay-id")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache
	store := cache.New(func() kv.KVDB {
		return cedar.New(cedar.DefaultOptions())
	}, cache.DefaultOptions(cache.TierRelay))
	defer store.Close()

	// Tunnel tier
	registry := tunnel.NewRegistry()
	dialer := relay.NewLocalDialer(registry)

	nodeOpts := relay.DefaultNodeOptions()
	nodeOpts.StaleBound = viper.GetDuration("stale-bound")
	node := relay.NewNode(store, dialer, relay.NewCertStore(viper.GetString("cert-dir")), nodeOpts)

	cert, err := tls.LoadX509KeyPair(viper.GetString("tunnel-cert"), viper.GetString("tunnel-key"))
	if err != nil {
		return fmt.Errorf("failed to load tunnel TLS material: %w", err)
	}

	listener := relay.NewListener(relay.ListenerOptions{
		RelayID:   relayID,
		Addr:      viper.GetString("tunnel-endpoint"),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}, registry)

	// RPC services
	serializer, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	serverTransport, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	rpcServer := server.NewRPCServer(
		common.ServerConfig{
			Endpoint:          viper.GetString("rpc-endpoint"),
			TimeoutSecond:     int64(viper.GetInt("timeout")),
			MaxWorkersPerConn: 16,
		},
		serverTransport,
		serializer,
	)
	rpcServer.RegisterAdapter(common.ServiceFetch, server.NewFetchServerAdapter(node))
	rpcServer.RegisterAdapter(common.ServiceCertificate, server.NewCertificateServerAdapter(node))

	// Gossip
	table := routing.NewTable(nil)
	advertise := viper.GetString("gossip-advertise")
	if advertise == "" {
		advertise = viper.GetString("rpc-endpoint")
	}

	errCh := make(chan error, 4)

	go func() { errCh <- listener.Run(ctx) }()
	go func() { errCh <- rpcServer.Serve() }()

	if bind := viper.GetString("gossip-bind"); bind != "" {
		gossipListener := routing.NewListener(bind, table)
		go func() { errCh <- gossipListener.Run(ctx) }()
	}
	if peerList := cmdUtil.SplitList(viper.GetString("gossip-peers")); len(peerList) > 0 {
		broadcaster := routing.NewBroadcaster(
			routing.Heartbeat{NodeID: relayID, Address: advertise, Tier: "relay"},
			peerList,
			viper.GetDuration("gossip-interval"),
			listener.Accepting,
		)
		go broadcaster.Run(ctx)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}
