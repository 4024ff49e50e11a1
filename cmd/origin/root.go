package origin

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
	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/tunnel"
	"github.com/strandcdn/strand/tunnel/connector"
)

var log = logger.Get("origin")

var OriginCmd = &cobra.Command{
	Use:     "origin",
	Short:   "Run the demo echo origin",
	Long:    cmdUtil.WrapString(`Run a demo customer origin: it tunnels to a relay, accepts every client session, echoes client messages back and publishes a clock tick on a topic. Useful for exercising a local fabric end to end. The configuration can be set via command line flags or environment variables (STRAND_<flag>)`),
	PreRunE: func(cmd *cobra.Command, _ []string) error { return cmdUtil.BindCommandFlags(cmd) },
	RunE:    run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "origin-id"
	OriginCmd.PersistentFlags().String(key, "origin-1", cmdUtil.WrapString("Origin identifier announced in the tunnel handshake"))

	key = "relay"
	OriginCmd.PersistentFlags().String(key, "localhost:4200", cmdUtil.WrapString("The QUIC address of the relay to tunnel to"))

	key = "relay-insecure"
	OriginCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Skip TLS verification on the tunnel (local runs only)"))

	key = "pause-window"
	OriginCmd.PersistentFlags().Duration(key, 30*time.Second, cmdUtil.WrapString("How long a dropped client session stays resumable"))

	key = "tick-topic"
	OriginCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Topic on which a timestamp is published every tick-interval (empty = no publishing)"))

	key = "tick-interval"
	OriginCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Publish interval for the tick topic"))

	key = "log-level"
	OriginCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// echoOrigin is the demo application behind the connector: it accepts every
// session, echoes messages and serves a canned payload for any fetch key.
type echoOrigin struct {
	pauseWindow time.Duration
}

func (o *echoOrigin) HandleConnect(notify tunnel.ConnectionNotify) (connector.ConnectReply, error) {
	log.Info().Str("session_id", notify.SessionID).Str("client", notify.ClientAddr).Msg("accepting session")
	return connector.ConnectReply{Accept: true}, nil
}

func (o *echoOrigin) HandleMessage(_ tunnel.InboundMessage, payload []byte) (connector.MessageResult, error) {
	return connector.MessageResult{Payload: payload}, nil
}

func (o *echoOrigin) HandleClose(notify tunnel.CloseNotify) tunnel.CloseDirective {
	return tunnel.CloseDirective{
		Action:        tunnel.CloseActionPause,
		PauseWindowMs: o.pauseWindow.Milliseconds(),
	}
}

func (o *echoOrigin) HandleFetch(key string) connector.FetchResult {
	return connector.FetchResult{
		Found:   true,
		TTL:     5 * time.Second,
		Payload: []byte(fmt.Sprintf("echo origin content for %s at %s", key, time.Now().Format(time.RFC3339))),
	}
}

func run(_ *cobra.Command, _ []string) error {
	if err := logger.Init(viper.GetString("log-level")); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tlsConf *tls.Config
	if viper.GetBool("relay-insecure") {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}

	conn, err := connector.New(connector.Options{
		OriginID:  viper.GetString("origin-id"),
		RelayAddr: viper.GetString("relay"),
		TLSConfig: tlsConf,
	}, &echoOrigin{pauseWindow: viper.GetDuration("pause-window")})
	if err != nil {
		return err
	}

	if topic := viper.GetString("tick-topic"); topic != "" {
		go func() {
			ticker := time.NewTicker(viper.GetDuration("tick-interval"))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if !conn.HasSubscribers(topic) {
						continue
					}
					payload := []byte(now.Format(time.RFC3339))
					if err := conn.PublishTopic(ctx, topic, payload); err != nil {
						log.Debug().Err(err).Str("topic", topic).Msg("tick publish failed")
					}
				}
			}
		}()
	}

	if err := conn.Run(ctx); ctx.Err() == nil {
		return err
	}
	return nil
}
