// Package textrpc
// Author: momentics <momentics@gmail.com>
//
// Symmetric request/response RPC over a line-oriented connection.
//
// After connect the server sends "protocolVersion-request N" and the client
// answers "protocolVersion M" with M = min(N, its own maximum). Both sides may
// then issue "C <id> <text>" calls, answered by "R <id> [result]" or
// "E <id> <description>". Ids are per connection and per direction: servers
// start at 0, clients at 1. "ping" is answered with "ping-reply".
//
// Incoming calls run on thread-pool workers, so a Dispatcher must be safe for
// concurrent use. Outgoing calls block until the correlated reply arrives, the
// connection drops or the call times out.
package textrpc
