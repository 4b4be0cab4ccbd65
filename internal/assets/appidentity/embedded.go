package appidentityassets

import _ "embed"

// YAML is the compiled-in copy of `.fulmen/app.yaml`, used when no identity
// file can be discovered next to the binary or working directory.
//
//go:embed app.yaml
var YAML []byte
