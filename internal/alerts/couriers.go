package alerts

import (
	"context"

	"example.com/backstage/services/fleet/internal/models"

	"github.com/rs/zerolog/log"
)

// LogCourier writes deliveries to the log instead of a provider. Used in
// local development and as the default until a provider courier is wired.
type LogCourier struct{}

func (LogCourier) Deliver(ctx context.Context, channel, recipient string, alert *models.Alert) error {
	log.Info().
		Str("channel", channel).
		Str("recipient", recipient).
		Str("rule", alert.Rule).
		Str("severity", string(alert.Severity)).
		Msg("Alert delivered")
	return nil
}

// StaticResolver resolves recipients from a fixed channel map, ignoring the
// alert itself. Tenant-specific preference storage can replace it without
// touching the dispatcher.
type StaticResolver struct {
	Recipients map[string][]string
}

func (r StaticResolver) RecipientsFor(ctx context.Context, alert *models.Alert, channel string) ([]string, error) {
	return r.Recipients[channel], nil
}
