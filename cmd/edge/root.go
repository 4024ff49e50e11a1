package edge

import (
	"context"
	"crypto/tls"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/strandcdn/strand/cmd/util"
	"github.com/strandcdn/strand/edge"
	"github.com/strandcdn/strand/lib/cache"
	"github.com/strandcdn/strand/lib/kv"
	"github.com/strandcdn/strand/lib/kv/engines/cedar"
	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/routing"
	"github.com/strandcdn/strand/lib/session"
	"github.com/strandcdn/strand/rpc/client"
)

var EdgeCmd = &cobra.Command{
	Use:     "edge",
	Short:   "Run a primary node",
	Long:    cmdUtil.WrapString(`Run a primary node: it terminates client HTTP and WebSocket traffic, caches content, owns the client sessions and reaches the relay tier over the internal rpc address and a persistent QUIC leg. The configuration can be set via command line flags or environment variables (STRAND_<flag>, e.g. STRAND_EDGE_ID=edge-ams-1)`),
	PreRunE: func(cmd *cobra.Command, _ []string) error { return cmdUtil.BindCommandFlags(cmd) },
	RunE:    run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)
	cmdUtil.SetupRPCClientFlags(EdgeCmd)

	key := "edge-id"
	EdgeCmd.PersistentFlags().String(key, "edge-1", cmdUtil.WrapString("Unique identifier of this edge in the fabric"))

	key = "listen"
	EdgeCmd.PersistentFlags().String(key, "0.0.0.0:8443", cmdUtil.WrapString("The public address on which clients connect"))

	key = "relay-tunnel"
	EdgeCmd.PersistentFlags().String(key, "localhost:4200", cmdUtil.WrapString("The QUIC address of the relay serving the realtime leg"))

	key = "relay-tunnel-insecure"
	EdgeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Skip TLS verification on the relay QUIC leg (local runs only)"))

	key = "origins"
	EdgeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Hostname to origin id mapping as a comma-separated HOST=ORIGIN list (e.g. live.example.com=origin-1)"))

	key = "max-sessions"
	EdgeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Upper bound for concurrent client sessions (0 = unlimited)"))

	key = "stale-bound"
	EdgeCmd.PersistentFlags().Duration(key, 30*time.Second, cmdUtil.WrapString("Maximum age of a stale cache entry served while the relay tier is unreachable"))

	key = "cert-refresh"
	EdgeCmd.PersistentFlags().Duration(key, time.Hour, cmdUtil.WrapString("How often cached TLS bundles are refreshed from the relay tier"))

	key = "no-tls"
	EdgeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Serve plain HTTP instead of terminating TLS (local runs behind a terminating proxy)"))

	key = "session-sweep"
	EdgeCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Interval at which expired paused sessions are swept"))

	key = "gossip-bind"
	EdgeCmd.PersistentFlags().String(key, "0.0.0.0:4300", cmdUtil.WrapString("UDP address on which gossip heartbeats are received"))

	key = "gossip-advertise"
	EdgeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address advertised to peers in heartbeats (defaults to the listen address)"))

	key = "gossip-peers"
	EdgeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of peer gossip addresses"))

	key = "gossip-interval"
	EdgeCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Heartbeat broadcast interval"))

	key = "log-level"
	EdgeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func run(_ *cobra.Command, _ []string) error {
	if err := logger.Init(viper.GetString("log-level")); err != nil {
		return err
	}

	edgeID := viper.GetString("edge-id")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relay rpc client
	serializer, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	clientTransport, err := cmdUtil.GetClientTransport()
	if err != nil {
		return err
	}
	relayClient, err := client.NewRelayClient(cmdUtil.GetClientConfig(), clientTransport, serializer)
	if err != nil {
		return err
	}
	defer relayClient.Close()

	// Cache
	store := cache.New(func() kv.KVDB {
		return cedar.New(cedar.DefaultOptions())
	}, cache.DefaultOptions(cache.TierEdge))
	defer store.Close()

	// Routing table, fed by gossip. The fetcher consults it so a relay tier
	// that went fully stale is treated as unreachable instead of probed per
	// request; a tier the table never heard of falls back to static config.
	table := routing.NewTable(nil)

	fetcherOpts := edge.DefaultFetcherOptions()
	fetcherOpts.StaleBound = viper.GetDuration("stale-bound")
	fetcherOpts.RelayHealthy = func() bool {
		if len(table.Healthy("relay")) > 0 {
			return true
		}
		return len(table.Peers("relay")) == 0
	}
	fetcher := edge.NewFetcher(store, relayClient, fetcherOpts)

	// Sessions and the realtime leg
	sessions := session.NewStore(nil)

	var linkTLS *tls.Config
	if viper.GetBool("relay-tunnel-insecure") {
		linkTLS = &tls.Config{InsecureSkipVerify: true}
	}
	link, err := edge.NewRelayLink(edge.RelayLinkOptions{
		EdgeID:    edgeID,
		RelayAddr: viper.GetString("relay-tunnel"),
		TLSConfig: linkTLS,
	})
	if err != nil {
		return err
	}

	translator := edge.NewTranslator(sessions, link, nil)
	link.Bind(translator)

	// The translator's sweep also tells origins about topics released by
	// expired sessions, so it replaces the store's bare sweep loop
	go func() {
		ticker := time.NewTicker(viper.GetDuration("session-sweep"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				translator.SweepExpired(ctx, now)
			}
		}
	}()

	// Client-facing server
	origins, err := cmdUtil.ParseMapping(viper.GetString("origins"))
	if err != nil {
		return err
	}

	var admission edge.AdmissionController = edge.AllowAll{}
	if max := viper.GetInt("max-sessions"); max > 0 {
		admission = edge.NewCapacityLimiter(max, sessions.Count)
	}

	var certs *edge.CertCache
	if !viper.GetBool("no-tls") {
		certs = edge.NewCertCache(relayClient, viper.GetDuration("cert-refresh"))
	}

	server := edge.NewServer(edge.ServerOptions{
		Addr:  viper.GetString("listen"),
		Certs: certs,
	}, fetcher, translator, sessions, admission, edge.StaticOrigins(origins))

	// Gossip
	advertise := viper.GetString("gossip-advertise")
	if advertise == "" {
		advertise = viper.GetString("listen")
	}

	errCh := make(chan error, 4)

	go func() { errCh <- link.Run(ctx) }()
	go func() { errCh <- server.Run(ctx) }()

	if bind := viper.GetString("gossip-bind"); bind != "" {
		gossipListener := routing.NewListener(bind, table)
		go func() { errCh <- gossipListener.Run(ctx) }()
	}
	if peerList := cmdUtil.SplitList(viper.GetString("gossip-peers")); len(peerList) > 0 {
		broadcaster := routing.NewBroadcaster(
			routing.Heartbeat{NodeID: edgeID, Address: advertise, Tier: "edge"},
			peerList,
			viper.GetDuration("gossip-interval"),
			link.Connected,
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
