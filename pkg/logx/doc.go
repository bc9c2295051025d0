// Package logx wraps zerolog behind a small Field API.
//
// Console output is human readable with a short caller; file output is one
// JSON object per line. Service.Apply swaps sinks and level at runtime and
// every Logger derived from the service follows.
package logx
