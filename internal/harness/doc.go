// Package harness runs scripted sync scenarios end to end.
//
// A scenario is a YAML file describing a server seed, a sequence of
// steps, and assertions on the final state. Steps act on either side of
// the connection:
//
//   - Client: write, start, sync, stop, discard, resubmit
//   - Server: commit, resync, reject, accept, hang
//   - Network: drop, offline
//   - Waiting: await_lsn
//
// Each step may name the outcome it expects (a sync error code such as
// WRITE_REJECTED or TIMEOUT); the default is "ok".
//
// # Assertions
//
// Supported assertion types:
//   - view: a table's view equals the listed rows
//   - view_contains: the row matching "where" has the "expect" fields
//   - view_count, server_count: row counts
//   - wal_count, parked_count: pending and parked log entries
//   - cursor: the stored LSN
//   - state: the connection state when the last step finished
//
// # Isolation
//
// Every run gets a fresh in-memory SQLite replica, a testutil.FakeServer
// and a memtransport network, so scenarios share nothing. A scenario that
// lists ids gets them in order for inserts without one, which keeps
// golden snapshots stable.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/offline_write_then_sync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
