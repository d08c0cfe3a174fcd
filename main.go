package main

import (
	"embed"
	"log"
	"os"
)

//go:embed static
var staticFS embed.FS

func main() {
	app := createCliApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
