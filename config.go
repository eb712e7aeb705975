package orchestrator

import "github.com/relaymesh/toolbroker/internal/config"

// Config is every tunable the orchestrator's components accept at startup,
// loaded by LoadConfig. It is a re-export of internal/config.Config so
// callers outside cmd/orchestrator can reference the type without reaching
// into an internal package themselves.
type Config = config.Config

// LoadConfig reads configuration: defaults, then the first TOML file found
// on the precedence chain (project ./orchestrator.toml, then
// $HOME/.config/orchestrator/config.toml, then $XDG_CONFIG_HOME), then
// ORCH_*-prefixed environment variable overrides. Pass an explicit path to
// skip the discovery chain and read exactly that file.
func LoadConfig(path string) Config {
	return config.Load(path)
}
