// Package syncer coordinates the local replica with the server.
//
// The Coordinator owns one sync channel. On connect it joins the topic,
// applies a snapshot, replays commits that arrived meanwhile, and then
// pushes the pending transaction log in log id order, one batch at a
// time. Server commits are applied as they arrive while live; a resync
// request fetches a new snapshot. Connection loss triggers a reconnect
// with exponential backoff; a rejected join stops the coordinator.
//
// Local writes are durable and visible to reads as soon as Submit
// returns, whether or not the server is reachable.
package syncer
