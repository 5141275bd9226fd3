package registry

import (
	_ "embed"
	"sync"
)

//go:embed catalog.yaml
var builtinCatalog []byte

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the built-in catalog embedded in the binary.
// The catalog is parsed once; a malformed embedded catalog is a build defect
// and panics at first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Load(builtinCatalog)
	})
	if defaultErr != nil {
		panic("registry: embedded catalog is invalid: " + defaultErr.Error())
	}
	return defaultRegistry
}
