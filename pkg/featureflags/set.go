package featureflags

var (
	// ExpandEnv enables os.ExpandEnv substitution ($VAR -> value of VAR) over
	// the raw config file before it is parsed as YAML. Disable it in
	// environments where "$" legitimately appears in a config value, e.g. a
	// generated password.
	ExpandEnv = newFlag("expand_env", true)
)
