// Package defaults embeds the example configuration written by
// "wacli init".
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
