package trainer

import (
	"github.com/born-ml/meshtrain/internal/checkpoint"
	"github.com/born-ml/meshtrain/internal/errs"
)

// Error taxonomy. Configuration and resource errors are fatal and are
// reported before any step runs; match them with errors.Is.
var (
	ErrConfig             = errs.ErrConfig
	ErrResource           = errs.ErrResource
	ErrCheckpointNotFound = checkpoint.ErrNotFound
)
