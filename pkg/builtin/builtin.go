// Package builtin holds the job implementations compiled into taskd.
//
// Each is registered in a job catalog under a "builtin." id, so with
// "builtin" on the search path configuration may declare them by bare type
// name:
//
//	plugin:
//	  search_paths: [builtin, output]
//	jobs:
//	  tick:
//	    classname: Countdown
//	    steps: 20
//	  nightly-inventory:
//	    classname: Inventory
//	    provider: s3
//	    s3:
//	      bucket: logs
//	    match:
//	      include: ["2024/**/*.gz"]
//	    encoder: jsonl
package builtin

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/job"
	"github.com/3leaps/taskd/pkg/output"
	"github.com/3leaps/taskd/pkg/plugin"
)

// Implementation ids registered by Register.
const (
	CountdownClassname = "builtin.Countdown"
	InventoryClassname = "builtin.Inventory"
)

// Deps are the shared services built-in jobs draw on.
type Deps struct {
	// Encoders hands out artifact encoders by declared name. Required for
	// inventory jobs.
	Encoders *plugin.PooledFactory[output.Encoder]

	// Artifacts stores job output files. Required for inventory jobs.
	Artifacts *artifact.Store

	// OpenProvider opens the listing backend of an inventory job.
	// Default: OpenProvider
	OpenProvider ProviderOpener

	Logger *zap.Logger
}

var validate = validator.New()

// Register adds the built-in jobs to catalog.
func Register(catalog *plugin.Catalog[job.Plugin], deps Deps) error {
	if catalog == nil {
		return errors.New("job catalog is nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.OpenProvider == nil {
		deps.OpenProvider = OpenProvider
	}

	if err := catalog.Register(CountdownClassname, func() (job.Plugin, error) {
		return &Countdown{}, nil
	}); err != nil {
		return err
	}
	return catalog.Register(InventoryClassname, func() (job.Plugin, error) {
		if deps.Encoders == nil || deps.Artifacts == nil {
			return nil, errors.New("inventory jobs need an encoder factory and an artifact store")
		}
		return &Inventory{deps: deps}, nil
	})
}
