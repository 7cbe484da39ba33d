// Package main is the bulkfetch entrypoint.
package main

import "github.com/JakeFAU/bulkfetch/cmd"

func main() {
	cmd.Execute()
}
