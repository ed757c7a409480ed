package schema

import _ "embed"

//go:embed default.yaml
var defaultDescriptors []byte

// Default returns a registry loaded from the built-in default descriptor
// set. Real deployments load a firmware-supplied descriptor file instead
// via Load.
func Default() (*Registry, error) {
	return Load(defaultDescriptors)
}
