// Package health implements the consecutive-failure/success counting used to
// decide whether a peer is alive. DiscoveryPlane polls GET /api/status through
// pkg/meshclient and feeds each outcome as a Result into a per-peer Status; three consecutive
// failures (Config.Retries) flips the peer to not-alive.
package health
