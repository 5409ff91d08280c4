// Package lua hosts skill scripts in sandboxed gopher-lua states.
//
// Each skill gets one State: the safe standard libraries, a whitelist
// require, no io/os/debug, and file reads confined to the skill's own
// directory behind the filesystem.read capability. Bridge moves intent
// payloads between Go maps and Lua tables.
package lua
