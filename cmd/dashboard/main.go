// Command dashboard serves the dashboard origin.
package main

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/valora-bridge/internal/app"
	"github.com/smallbiznis/valora-bridge/internal/domain"
)

func main() {
	fx.New(app.Module(domain.SourceDashboard)).Run()
}
