// Command auth serves the auth origin: login intake, hand-off towards the
// dashboard and the shared session endpoints.
package main

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/valora-bridge/internal/app"
	"github.com/smallbiznis/valora-bridge/internal/domain"
)

func main() {
	fx.New(app.Module(domain.SourceAuth)).Run()
}
