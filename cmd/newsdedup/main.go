package main

import (
	"os"

	"horse.fit/newsdedup/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
