package transport

import "errors"

// ErrDecode is the sentinel returned (wrapped) when incoming bytes cannot be
// parsed by the configured Codec. Per spec §7 this is a fatal,
// non-recoverable error for the receiving process: there is no partial
// recovery from malformed wire data.
var ErrDecode = errors.New("transport: malformed payload")

// ErrClosed names the use of a Communicator after Close. No Communicator in
// this module returns it: transport/local has no Close, and netconn
// operations after Close fail with the underlying RPC or dial error.
var ErrClosed = errors.New("transport: communicator closed")
