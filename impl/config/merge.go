package config

// Merge takes a struct indicating which configuration options have been provided on the command
// line, as well as a configuration struct parsed from the command line which ALSO includes defaults
// that the user didn't specify. For example the default worker count is computed from the CPU
// count and if you don't specify it on the command line it gets defaulted into the parsed
// configuration struct. So:
//
//  1. User provided a value: overwrite current config using the user's value
//  2. User did not provide a value, current config is unspecified: use the default in the parsed config
//  3. User did not provide a value, current config is specified: leave the current config untouched
func Merge(fromCmdline FromCmdLine, cfg Configuration) {
	mu.Lock()
	defer mu.Unlock()
	if fromCmdline.LogLevel || config.LogLevel == "" {
		config.LogLevel = cfg.LogLevel
	}
	if fromCmdline.LogFile || config.LogFile == "" {
		config.LogFile = cfg.LogFile
	}
	if fromCmdline.ConfigFile || config.ConfigFile == "" {
		config.ConfigFile = cfg.ConfigFile
	}
	if fromCmdline.Workers || config.Workers == 0 {
		config.Workers = cfg.Workers
	}
	if fromCmdline.TagFilter || config.TagFilter == "" {
		config.TagFilter = cfg.TagFilter
	}
	if fromCmdline.Metrics || config.Metrics == 0 {
		config.Metrics = cfg.Metrics
	}
	if fromCmdline.Interval || config.Interval == "" {
		config.Interval = cfg.Interval
	}
	if fromCmdline.PrefixDomain || !config.PrefixDomain {
		config.PrefixDomain = cfg.PrefixDomain
	}
	if fromCmdline.Catalog || config.Catalog == "" {
		config.Catalog = cfg.Catalog
	}
	if fromCmdline.Timeout || config.Timeout == "" {
		config.Timeout = cfg.Timeout
	}
}
