// Package unix implements peer links over Unix domain sockets, for nodes
// running on the same machine. The socket file at the endpoint is replaced
// when the node starts listening.
package unix
