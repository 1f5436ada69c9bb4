package main

import (
	"github.com/alecthomas/kong"

	"github.com/block/ldapreplicator/pkg/replicatorcmd"
)

var cli struct {
	replicatorcmd.Run `cmd:"" default:"1" help:"Run the directory replicator until terminated."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
