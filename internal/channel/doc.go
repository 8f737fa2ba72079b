// Package channel implements the sync protocol spoken over a transport.
//
// Machine tracks the connection state:
//
//	Disconnected -> Connecting -> AwaitingJoinAck -> Syncing -> Live
//
// with a fall back to Disconnected from any state, and Live -> Syncing on
// a server resync. Session sends the typed requests (join, sync, write,
// leave) and decodes server pushes (commit, resync) for one topic.
//
// Wire payloads:
//
//	sync request   {snapmin}
//	sync response  {data: [[table, [record]]], lsn, snapmin}
//	commit push    {lsn, ops: [{op, table, data}]}
//	write request  {ops: [[logId, op, table, data]]}
//	write response {} on ok, {error: {op, errors}} on rejection
package channel
