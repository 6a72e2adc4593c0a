package main

import (
	"log"

	"quizfund/services/quizd"
)

func main() {
	if err := quizd.Main(); err != nil {
		log.Fatalf("quizd: %v", err)
	}
}
