package main

import "github.com/edgeflare/kbridge/cmd/kbridge"

func main() {
	kbridge.Main()
}
