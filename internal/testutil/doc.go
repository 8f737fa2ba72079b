// Package testutil provides a scriptable sync server for tests.
//
// FakeServer implements the server side of the sync channel protocol as
// a memtransport.Handler. PhoenixServer exposes any such handler over a
// real Phoenix websocket endpoint so the phoenix transport can be tested
// end to end.
package testutil
