package main

import (
	"fmt"

	_ "github.com/agentuity/go-cache/cache"
	_ "github.com/agentuity/go-cache/eviction"
	_ "github.com/agentuity/go-cache/metrics"
	_ "github.com/agentuity/go-cache/store"
)

func main() {
	fmt.Println("Hi")
}
