package go_otdoa

import "context"

// Transport is the socket the session drives. The engine binds it to a
// server before each logical download and connects, sends and receives
// through it; nothing else touches it.
type Transport interface {
	// Bind resolves the server and remembers its address. It does not dial.
	Bind(host string, port int) error
	// Unbind disconnects and forgets the bound address.
	Unbind() error
	// Connect dials the bound address, with TLS when useTLS is set.
	Connect(ctx context.Context, serverName string, useTLS bool) error
	// Send writes p and returns the number of bytes written.
	Send(p []byte) (int, error)
	// Recv reads into p. In non-blocking mode it returns ErrWouldBlock when
	// nothing is ready. A server close is (0, nil) or io.EOF.
	Recv(p []byte) (int, error)
	// SetBlocking switches Recv between blocking and polling mode.
	SetBlocking(blocking bool) error
	// Disconnect closes the connection but keeps the binding.
	Disconnect() error
}
