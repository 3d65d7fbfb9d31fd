// Command copartner runs the offline-first personal assistant core and
// offers maintenance commands over its memory and safety rules.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
