package main

import (
	"github.com/katasec/dstream-ingester-tracked/ingester"
	"github.com/katasec/dstream-ingester-tracked/internal/logging"
)

func main() {
	logger := logging.New("dstream-ingester-tracked")
	logging.SetLogger(logger)

	ingester.Serve(&ingester.Plugin{}, logger)
}
