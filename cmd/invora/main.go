package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invora/internal/clock"
	"github.com/smallbiznis/invora/internal/config"
	"github.com/smallbiznis/invora/internal/invoice"
	"github.com/smallbiznis/invora/internal/migration"
	"github.com/smallbiznis/invora/internal/observability"
	"github.com/smallbiznis/invora/internal/providers"
	"github.com/smallbiznis/invora/internal/server"
	"github.com/smallbiznis/invora/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		providers.Module,
		invoice.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
