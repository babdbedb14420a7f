package ipc

// Package ipc provides embeddable primitives for reliable, structured,
// local inter-process communication. Processes on the same host exchange
// length-delimited, channel-tagged frames over a stream transport (Unix
// domain sockets on POSIX, named pipes on Windows), with optional JSON
// Schema validation at the boundary and a lightweight peer
// handshake/heartbeat/shutdown protocol.
