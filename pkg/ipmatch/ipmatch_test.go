package ipmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name      string
		clientIP  string
		allowList []string
		want      bool
	}{
		{"empty list allows any address", "198.51.100.1", nil, true},
		{"literal match", "203.0.113.9", []string{"203.0.113.9"}, true},
		{"literal mismatch", "203.0.113.10", []string{"203.0.113.9"}, false},
		{"cidr containment", "10.1.2.3", []string{"10.0.0.0/8"}, true},
		{"outside cidr", "11.0.0.1", []string{"10.0.0.0/8"}, false},
		{"ipv4 /32", "192.0.2.1", []string{"192.0.2.1/32"}, true},
		{"ipv4 /32 neighbour", "192.0.2.2", []string{"192.0.2.1/32"}, false},
		{"ipv6 literal", "2001:db8::1", []string{"2001:db8::1"}, true},
		{"ipv6 /128", "2001:db8::1", []string{"2001:db8::1/128"}, true},
		{"ipv6 range", "2001:db8:0:1::5", []string{"2001:db8::/32"}, true},
		{"family mismatch", "10.0.0.1", []string{"2001:db8::/32"}, false},
		{"mapped client", "::ffff:10.0.0.1", []string{"10.0.0.0/8"}, true},
		{"mapped entry", "10.0.0.1", []string{"::ffff:10.0.0.0/104"}, true},
		{"malformed entry skipped", "10.0.0.1", []string{"not-an-ip", "10.0.0.0/33", "10.0.0.1"}, true},
		{"only malformed entries", "10.0.0.1", []string{"garbage"}, false},
		{"malformed client", "bogus", []string{"10.0.0.0/8"}, false},
		{"whitespace tolerated", " 10.0.0.1 ", []string{" 10.0.0.0/24 "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.clientIP, tt.allowList))
		})
	}
}

func TestAllowedIsDeterministic(t *testing.T) {
	list := []string{"10.0.0.0/8", "192.0.2.7"}
	first := Allowed("10.9.9.9", list)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Allowed("10.9.9.9", list))
	}
}

func TestValidEntry(t *testing.T) {
	assert.True(t, ValidEntry("10.0.0.0/8"))
	assert.True(t, ValidEntry("2001:db8::1"))
	assert.False(t, ValidEntry("10.0.0.0/40"))
	assert.False(t, ValidEntry("example.com"))
}
