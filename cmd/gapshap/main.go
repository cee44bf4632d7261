package main

import (
	"log"

	"github.com/joho/godotenv"

	"gapshap/internal/app"
)

func main() {
	// Best-effort: a missing .env is the normal production case.
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
