package main

import (
	"log"

	"fxsettle/services/fxswapd"
)

func main() {
	if err := fxswapd.Main(); err != nil {
		log.Fatalf("fxswapd: %v", err)
	}
}
