package mauproxy

import "errors"

// ErrInvalidInput indicates a function parameter was invalid.
var ErrInvalidInput = errors.New("mauproxy: invalid input")

// ErrResolveFailed indicates that resolving the server hostname failed
// after exhausting the bounded retry budget.
var ErrResolveFailed = errors.New("mauproxy: hostname resolution failed")

// ErrBindFailed indicates that opening or binding the UDP listen socket failed.
var ErrBindFailed = errors.New("mauproxy: failed to bind UDP socket")

// ErrSendFailed indicates a persistent failure sending on the UDP socket.
var ErrSendFailed = errors.New("mauproxy: failed to send datagram")

// ErrAllocationFailed indicates the buffer pool could not satisfy an allocation.
var ErrAllocationFailed = errors.New("mauproxy: buffer allocation failed")

// ErrShutdown indicates the proxy has already been shut down.
var ErrShutdown = errors.New("mauproxy: proxy is shut down")

// ErrPacketTooLarge indicates a datagram exceeded ProxyConfig.MaxDatagramBytes.
var ErrPacketTooLarge = errors.New("mauproxy: packet too large")

// ErrUnrecognizedSource indicates a datagram arrived from neither the
// resolved server address nor the learned client address.
var ErrUnrecognizedSource = errors.New("mauproxy: unrecognized source address")
