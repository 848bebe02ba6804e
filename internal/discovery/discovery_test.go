package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(mod func(e *zeroconf.ServiceEntry)) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("tabsync-test", Service, Domain)
	e.Port = 7420
	mod(e)
	return e
}

func TestEntryURL(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  string
	}{
		{"ipv4 preferred", entry(func(e *zeroconf.ServiceEntry) {
			e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
			e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
		}), "http://192.168.1.20:7420"},
		{"ipv6 bracketed", entry(func(e *zeroconf.ServiceEntry) {
			e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
		}), "http://[fe80::1]:7420"},
		{"hostname", entry(func(e *zeroconf.ServiceEntry) {
			e.HostName = "studio.local."
		}), "http://studio.local:7420"},
		{"path txt", entry(func(e *zeroconf.ServiceEntry) {
			e.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.2")}
			e.Text = []string{"path=/sync/"}
		}), "http://10.0.0.2:7420/sync"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := entryURL(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntryURLErrors(t *testing.T) {
	_, err := entryURL(nil)
	assert.Error(t, err)

	_, err = entryURL(entry(func(e *zeroconf.ServiceEntry) {}))
	assert.Error(t, err, "no address")

	_, err = entryURL(entry(func(e *zeroconf.ServiceEntry) {
		e.Port = 0
		e.HostName = "x.local."
	}))
	assert.Error(t, err, "no port")
}

func TestInstanceName(t *testing.T) {
	assert.Regexp(t, `^tabsync-.+`, InstanceName())
}
