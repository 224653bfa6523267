// Command optest drives OpenPOWER systems through their boot states
package main

import (
	"os"

	"github.com/openpower/optest/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
