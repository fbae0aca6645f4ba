// Package logx wraps zerolog for scrimbot.
//
// The Service fans one root logger out to a readable console, a JSON file
// and an optional rate-limited Discord channel, and swaps those outputs on
// config reload without invalidating loggers already handed out.
package logx
