// pagecachectl inspects and maintains the response store of a pagecache
// deployment. Store commands read the same CACHE_* and VALKEY_* environment
// as the service; push talks to a running service over HTTP.
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.
		Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.WarnLevel)

	app := &app{
		openStore: openConfiguredStore,
		client:    http.DefaultClient,
	}

	if err := newRootCommand(app).Execute(); err != nil {
		os.Exit(1)
	}
}

func openConfiguredStore(ctx context.Context) (cache.Store, error) {
	cfg, err := config.LoadCache(ctx)
	if err != nil {
		return nil, err
	}
	return cache.NewFromConfig(ctx, cfg)
}
