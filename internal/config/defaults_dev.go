//go:build dev

package config

// Development builds bind all interfaces.
const DefaultListenAddr = ":8443"
