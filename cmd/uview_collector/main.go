package main

import (
	"log"
	"os"

	"github.com/alessandrocornacchia/uview/pkg/collectorcli"
)

func main() {
	app, err := collectorcli.NewCollectorApp()
	if err != nil {
		panic("failed to create an instance of the uview collector app")
	}

	if err := app.Main(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
