// Command mockserver runs the HTTP mock service standalone, for use by
// the auto-detect probe and handler integration tests.
package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/tem/internal/mockservice"
	"github.com/Harvey-AU/tem/internal/ratelimit"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	addr := os.Getenv("MOCKSERVER_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	var limiter *ratelimit.Limiter
	if rps := os.Getenv("MOCKSERVER_RATE_LIMIT"); rps != "" {
		n, err := strconv.Atoi(rps)
		if err == nil && n > 0 {
			limiter = ratelimit.New(n, time.Second)
		}
	}

	svc := mockservice.New(mockservice.Config{RateLimit: limiter})

	log.Info().Str("addr", addr).Msg("starting mock service")
	if err := http.ListenAndServe(addr, svc.Handler()); err != nil {
		log.Fatal().Err(err).Msg("mock service stopped")
	}
}
