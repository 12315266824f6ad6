// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp implements a line-oriented TCP transport for hioload-rpc.
// Each connection owns one reader goroutine that splits the stream on '\n'
// and reports lines, connect and disconnect through api.LineHandler; sends
// are serialized per connection.
package tcp
