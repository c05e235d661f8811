// Package sshforward provides local front ends that carry TCP traffic over
// direct-tcpip channels: a fixed local port forwarder and a SOCKS5 proxy
// whose outbound dials all travel through the channel multiplexer.
package sshforward
