package mirror

import (
	"context"
	"log/slog"

	"github.com/thejerf/suture/v4"

	"github.com/loykin/skyrelay/internal/tree"
)

// RunAll supervises mirrors until ctx is cancelled.
func RunAll(ctx context.Context, mirrors []*Mirror, logger *slog.Logger, c tree.Config) error {
	services := make([]suture.Service, 0, len(mirrors))
	for _, m := range mirrors {
		if m.Logger == nil {
			m.Logger = logger
		}
		services = append(services, m)
	}
	return tree.Run(ctx, "mirrors", logger, c, services...)
}
