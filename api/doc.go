// Package api holds the contracts shared by every hioload-rpc package: the
// structured error taxonomy, Result, the line-oriented connection contract
// consumed by textrpc, and the executor and control interfaces.
package api
