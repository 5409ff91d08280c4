// Package skill loads and supervises Lua skills.
//
// A skill is a directory holding a skill.json manifest and an entry
// script. The Manager discovers skills, resolves their dependencies,
// and runs each inside a Host: a sandboxed Lua state wired to the
// message bus, the intent registry and the settings store through the
// mycroft script API. Crashing skills are restarted with exponential
// backoff until a budget is spent, then parked failed until a manual
// load request. Settings live in the sqlite store, survive reloads,
// and are reconciled with a remote endpoint by SettingsSync.
package skill
