// Package logx configures tweetsched's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file and json output structured
//   - loggers derived before a config reload live across Service.Apply
package logx
