// Package configs embeds the configuration template written by
// `vectorsync config init`.
//
// Configuration precedence (see internal/config Load):
//  1. Hardcoded defaults
//  2. User config ($XDG_CONFIG_HOME/vectorsync/config.yaml)
//  3. Explicit file (--config)
//  4. Environment variables (VECTORSYNC_*)
package configs

import _ "embed"

// ConfigTemplate is the commented example configuration.
//
//go:embed config.example.yaml
var ConfigTemplate string
