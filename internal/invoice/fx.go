package invoice

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invora/internal/config"
	"github.com/smallbiznis/invora/internal/invoice/repository"
	"github.com/smallbiznis/invora/internal/invoice/service"
	"github.com/smallbiznis/invora/internal/invoice/validate"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("invoice",
	fx.Provide(
		repository.Provide,
		provideValidator,
		service.NewService,
	),
)

func provideValidator(cfg config.Config, log *zap.Logger) *validate.Validator {
	tolerance, err := decimal.NewFromString(cfg.ValidationTolerance)
	if err != nil {
		log.Warn("invalid validation tolerance, using default",
			zap.String("value", cfg.ValidationTolerance))
		tolerance = validate.DefaultTolerance
	}
	return validate.New(tolerance)
}
