// Package logx configures guestcast's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON
//   - An optional chat sink forwards WARN+ lines to the operator chat,
//     rate limited so a failing fan-out cannot flood it
package logx
