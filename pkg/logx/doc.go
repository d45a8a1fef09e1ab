// Package logx configures slotwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink (min-level + rate limiting) so the operator
//     sees warnings in chat; routine lines are forwarded only when toggled on
package logx
