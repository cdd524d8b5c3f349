package main

import (
	"log"
	"os"

	"github.com/alessandrocornacchia/uview/pkg/hostcli"
)

func main() {
	app, err := hostcli.NewHostApp()
	if err != nil {
		panic("failed to create an instance of the uview host app")
	}

	if err := app.Main(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
