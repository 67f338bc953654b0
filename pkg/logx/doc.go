// Package logx is a thin structured-logging layer over zerolog.
//
// It provides a Service that owns the sink configuration (console, rotating
// file, Telegram) and can be re-applied at runtime, plus a lightweight Logger
// handle that stays live across Apply() calls.
package logx
