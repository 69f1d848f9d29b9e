package sdk

import (
	"os"
)

// DefaultAddr is the daemon's default TCP address.
const DefaultAddr = "localhost:7001"

// FromEnv connects using MARAUDER_ADDR (default DefaultAddr). TLS is on
// unless MARAUDER_DISABLE_TLS is "true". Explicit options win over the
// environment.
func FromEnv(opts ...Option) (*Client, error) {
	addr := os.Getenv("MARAUDER_ADDR")
	if addr == "" {
		addr = DefaultAddr
	}
	base := []Option{WithTLS(os.Getenv("MARAUDER_DISABLE_TLS") != "true")}
	return Connect(addr, append(base, opts...)...)
}
