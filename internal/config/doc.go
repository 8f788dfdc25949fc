// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Every field is optional; Default returns a configuration that runs a single
// relay against a local Redis.
package config
