// Command hello is the native build of the example hello plugin:
//
//	go build -buildmode=plugin -o plugins/hello/hello.so ./plugins/hello
package main

import (
	"github.com/goatkit/macrohost/internal/plugin/example"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// NewPlugin is looked up by the native loader.
func NewPlugin() plugin.Plugin { return example.NewHelloPlugin() }

// main is unused in -buildmode=plugin.
func main() {}
