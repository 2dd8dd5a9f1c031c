package procspec

import "errors"

var (
	errEmptyName           = errors.New("name must not be empty")
	errNonPrintableName    = errors.New("name must be printable ASCII")
	errEmptyScript         = errors.New("script must not be empty")
	errInstancesRange      = errors.New("instances must be in 1..32")
	errNegativeMaxRestarts = errors.New("max_restarts must not be negative")
	errCronAutoRestart     = errors.New("autorestart must be false for a cron-scheduled spec")
)
