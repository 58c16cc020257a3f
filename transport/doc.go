// Package transport implements the UDP plumbing of the call engine.
//
// # Sockets
//
// ListenUDP binds the signaling and media sockets. ReadLoop turns a
// net.PacketConn into a channel of Datagram values, polling with a short
// read deadline so it notices context cancellation without closing the
// socket.
//
// # NAT traversal
//
// STUNClient sends RFC 5389 binding requests from the media socket itself,
// so the discovered mapping is the one the answerer will see:
//
//	nat := transport.NewNATTraversal(transport.NewSTUNClient())
//	mapping := nat.Discover(ctx, conn, local, "stun.l.google.com:19302")
//	if mapping.Warning != "" {
//	    // degraded: the local address will be advertised
//	}
//	advertise := mapping.Advertised()
//
// Discovery never fails a call: an unreachable or misbehaving server
// degrades to the local address with Mapping.Warning set. HolePuncher then
// sends a few probes towards the answerer's media address so that inbound
// RTP passes a stateful NAT.
//
// # Addresses
//
// ResolveUDPAddr applies default ports, and AdvertisableAddr replaces a
// wildcard bind address with the outbound interface towards a peer.
//
// # Time
//
// Components that schedule retransmissions or deadlines accept a
// TimeProvider so tests can substitute a deterministic clock.
package transport
