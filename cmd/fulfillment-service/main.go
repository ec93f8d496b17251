package main

import (
	"log"

	"gozon/fulfillment/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("fulfillment service failed: %v", err)
	}
}
