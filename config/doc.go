// Package config loads the runtime configuration.
//
// A Loader starts from defaults, merges each file layer in order (JSON or
// YAML, chosen by extension) and finally applies NODEFLOW_* environment
// overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("nodeflow.yaml")
//	loader.AddLayer("nodeflow.local.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Durations may be written as strings ("15s", "2m") or as nanoseconds.
package config
