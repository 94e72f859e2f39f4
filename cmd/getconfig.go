package main

import (
	"github.com/aceeric/ocisync/impl/cmdline"
	"github.com/aceeric/ocisync/impl/config"
)

// getCfg calls the command line parser to parse the command line. If one of the command line
// args was '--config-file' then the function calls the config loader to load that config file
// into the global configuration. Then any overrides from the command line are overwritten into
// the global configuration. If '--config-file' was NOT provided on the command line, then
// the config from the parsed cmdline is used in its entirety as the configuration.
//
// Registry auth and TLS can ONLY be provided via the config file.
//
// The sub-command specified on the command line (copy, sync, etc.) is returned in the first
// return value and its positional args and flags in the second.
func getCfg() (string, cmdline.Args, error) {
	fromCmdline, cfg, args, err := cmdline.Parse()
	if err != nil {
		return "", args, err
	}
	if fromCmdline.ConfigFile {
		if err := config.Load(cfg.ConfigFile); err != nil {
			return "", args, err
		}
		config.Merge(fromCmdline, cfg)
	} else {
		config.Set(cfg)
	}
	return fromCmdline.Command, args, nil
}
