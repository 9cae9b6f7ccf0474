package terminal

import (
	"fmt"
)

var providerRegistry = make(map[string]NewFunc)

// Register adds a new provider constructor to the registry.
// This is typically called from the provider's package init() function.
func Register(name string, newFunc NewFunc) {
	if _, exists := providerRegistry[name]; exists {
		return
	}
	providerRegistry[name] = newFunc
}

// Get returns the constructor for the provider with the given name.
func Get(name string) (NewFunc, error) {
	newFunc, exists := providerRegistry[name]
	if !exists {
		return nil, fmt.Errorf("no terminal provider registered with name: %s", name)
	}
	return newFunc, nil
}
