// Package logx is chanfetch's structured logging on top of zerolog.
//
// The dispatcher logs to the console and optionally a JSON file. Workers log
// JSON to stderr and the dispatcher relays each line under its own logger.
// Records at or above a configured level can also be posted to a Telegram
// chat.
package logx
