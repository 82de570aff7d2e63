// Package config loads flobuf configuration. Default() is the baseline;
// Load overlays a JSON or YAML file; FromEnv overlays FLOBUF_* variables;
// Validate checks the result.
//
// Example:
//
//	cfg, err := config.Resolve("/etc/flobuf.yaml")
//	if err != nil {
//	    return err
//	}
//	rt, err := runtime.Open(runtime.Options{Config: cfg})
//
// Environment keys are the lowercased variable name without the prefix, with
// "__" separating nested sections: FLOBUF_BUFFER__ENGINE=pebble sets
// buffer.engine and FLOBUF_DATA_DIR sets data_dir.
package config
