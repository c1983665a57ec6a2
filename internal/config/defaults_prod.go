//go:build !dev

package config

// Production builds listen on loopback unless told otherwise.
const DefaultListenAddr = "127.0.0.1:8443"
