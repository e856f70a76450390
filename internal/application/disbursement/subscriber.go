package disbursement

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kingsway/backoffice-workflow/internal/application/dispatcher"
	"github.com/kingsway/backoffice-workflow/internal/application/process/payroll"
	"github.com/kingsway/backoffice-workflow/internal/domain/event"
	domainwf "github.com/kingsway/backoffice-workflow/internal/domain/workflow"
)

// AutoDispatchHandlerName names the subscription registered by SubscribeAutoDispatch
const AutoDispatchHandlerName = "disbursement-auto-dispatch"

// SubscribeAutoDispatch starts a disbursement run whenever a payroll
// instance enters processing
func SubscribeAutoDispatch(d dispatcher.Dispatcher, p *Processor, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d.SubscribeNamed(event.TypeStageEntered, AutoDispatchHandlerName, func(ctx context.Context, evt *event.Event) error {
		if evt.ProcessType != payroll.ProcessType.String() ||
			evt.GetPayloadString("to_stage") != payroll.StageProcessing.String() {
			return nil
		}

		sum, err := p.Disburse(ctx, evt.InstanceID)
		if err != nil {
			if errors.Is(err, domainwf.ErrValidationFailed) {
				logger.Info("Auto disbursement skipped",
					zap.String("instance_id", evt.InstanceID),
					zap.Error(err))
				return nil
			}
			return err
		}

		logger.Info("Auto disbursement run finished",
			zap.String("instance_id", evt.InstanceID),
			zap.String("stage", sum.Stage.String()),
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("failed", sum.Failed))
		return nil
	})
}
