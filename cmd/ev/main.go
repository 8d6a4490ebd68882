package main

import (
	"log"

	"extvault/cmd/ev/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
