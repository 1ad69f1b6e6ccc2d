// Entrypoint for the kvcachectl CLI; delegates to the Cobra root command in cmd/root.go.

package main

import (
	"github.com/pagedkv/kvcache/cmd"
)

func main() {
	cmd.Execute()
}
