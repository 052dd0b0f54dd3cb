// Package static contains static "text" files.
package static

import _ "embed"

// ExampleConfig is the config written by config init.
//
//go:embed config.yaml
var ExampleConfig []byte
