// Package sshauth implements the client side of SSH user authentication
// (RFC 4252).
//
// An Engine walks an ordered list of credential methods, constrained after
// every failure by the method names the server is still willing to accept.
// Authentication failures are recoverable: they are reported to the caller
// as an AuthFailure and never terminate the connection. Secret material is
// consumed at attempt time and never logged.
package sshauth
