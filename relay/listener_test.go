package relay

import (
	"crypto/tls"
	"testing"

	"github.com/strandcdn/strand/tunnel/connector"
)

func TestServerTLSConfigAppendsALPN(t *testing.T) {
	base := &tls.Config{NextProtos: []string{"h3"}}
	conf := serverTLSConfig(base)

	if conf == base {
		t.Fatal("config must be cloned, not mutated in place")
	}
	if len(base.NextProtos) != 1 {
		t.Fatalf("base config mutated: %v", base.NextProtos)
	}
	if len(conf.NextProtos) != 2 || conf.NextProtos[0] != "h3" || conf.NextProtos[1] != connector.ALPN {
		t.Fatalf("unexpected protos %v", conf.NextProtos)
	}
}

func TestServerTLSConfigNilBase(t *testing.T) {
	conf := serverTLSConfig(nil)
	if conf == nil {
		t.Fatal("nil base must yield a usable config")
	}
	if len(conf.NextProtos) != 1 || conf.NextProtos[0] != connector.ALPN {
		t.Fatalf("unexpected protos %v", conf.NextProtos)
	}
}
