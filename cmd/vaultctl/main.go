package main

import (
	"os"

	zlog "github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		zlog.Error().Err(err).Msg("vaultctl failed")
		os.Exit(1)
	}
}
