package tlsutil

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTLSConfig_AEADOnly(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)

	insecure := map[uint16]bool{}
	for _, cs := range tls.InsecureCipherSuites() {
		insecure[cs.ID] = true
	}
	for _, id := range cfg.CipherSuites {
		assert.False(t, insecure[id], "cipher suite %s is insecure", tls.CipherSuiteName(id))
	}
}

func TestClientConfig_ServerName(t *testing.T) {
	a := ClientConfig("redis.internal")
	b := ClientConfig("other")
	assert.Equal(t, "redis.internal", a.ServerName)
	assert.Equal(t, "other", b.ServerName)
}
