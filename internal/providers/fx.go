package providers

import (
	"github.com/smallbiznis/invora/internal/providers/corrector"
	"github.com/smallbiznis/invora/internal/providers/filestore"
	"github.com/smallbiznis/invora/internal/providers/recognizer"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	fx.Provide(
		recognizer.NewHTTPClient,
		corrector.NewHTTPClient,
		filestore.NewLocalStore,
	),
)
