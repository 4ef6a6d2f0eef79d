package main

import (
	"fmt"
	"strings"

	"github.com/oriys/llmlimiter/internal/config"
)

// loadConfig loads the config file (if given) over the defaults, applies
// LLMLIM_*-prefixed environment overrides, then persistent-flag overrides
// — the same precedence order as the teacher's daemonCmd. A .json
// extension loads via the teacher's native JSON loader; anything else
// (.yaml/.yml or no extension) loads via the YAML loader.
func loadConfig(cmd configFlags) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		if strings.HasSuffix(configFile, ".json") {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.LoadFromYAML(configFile)
		}
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	if cmd.redisChanged {
		cfg.Backend.Enabled = true
		cfg.Backend.RedisAddr = redisAddr
	}
	if cmd.redisPassChanged {
		cfg.Backend.RedisPassword = redisPass
	}
	if cmd.redisDBChanged {
		cfg.Backend.RedisDB = redisDB
	}
	return cfg, nil
}

// configFlags records which persistent flags were explicitly set on the
// invoking command, so loadConfig only overrides what the user actually
// passed.
type configFlags struct {
	redisChanged     bool
	redisPassChanged bool
	redisDBChanged   bool
}
