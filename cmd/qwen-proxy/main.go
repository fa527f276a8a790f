// Command qwen-proxy serves an OpenAI-compatible API backed by one or more
// Qwen accounts authorized through the OAuth 2.0 device flow
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Version is set by the build process
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
