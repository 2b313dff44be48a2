//go:build !unix

package kdc

import "net"

func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}
