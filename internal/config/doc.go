// Package config loads the runtime configuration once at startup from a YAML
// or JSON file, overlays the container environment variables and fills in
// defaults. The resulting Config is passed by pointer to every component.
package config
