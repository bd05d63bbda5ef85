package main

import (
	"fmt"
	"os"

	"trendsnap_service/internal/app/bootstrap"
)

func main() {
	if err := newRootCmd(bootstrap.Open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
