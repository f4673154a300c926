package cmd

import (
	"fmt"
)

const banner = `
                 _    __
  ___ ___ _ __  | |_ / _| ___  _ __  __ _  ___
 / __/ _ \ '__| | __| |_ / _ \| '__|/ _` + "`" + ` |/ _ \
| (_|  __/ |    | |_|  _| (_) | |  | (_| |  __/
 \___\___|_|     \__|_|  \___/|_|   \__, |\___|
                                    |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Self-Hosted Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
