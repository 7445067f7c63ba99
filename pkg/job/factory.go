package job

import (
	"go.uber.org/zap"

	"github.com/3leaps/taskd/pkg/plugin"
)

// Keys read from a job entry's configuration, beside classname.
const (
	DescriptionKey    = "description"
	PermissionKey     = "permission"
	ReportFailuresKey = "report_failures"
	ParamsKey         = "params"
)

// Plugin is a job implementation that can be declared in configuration.
type Plugin interface {
	plugin.Plugin
	Runner
}

// Factory builds jobs from declared plugin entries.
//
//	jobs:
//	  inventory:
//	    classname: Inventory
//	    description: List a bucket
//	    permission: inventory.run,admin
type Factory struct {
	plugins *plugin.Factory[Plugin]
	seq     *Sequence
	logger  *zap.Logger
}

// NewFactory creates a job factory. A nil seq draws ids from the
// process-wide sequence shared with New.
func NewFactory(catalog *plugin.Catalog[Plugin], seq *Sequence, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		plugins: plugin.NewFactory(catalog, logger),
		seq:     seq,
		logger:  logger,
	}
}

// Configure loads the job entries declared under radix. Job names keep the
// case they were declared with.
func (f *Factory) Configure(root map[string]any, radix string) error {
	return f.plugins.Configure(root, radix)
}

// Names returns the declared job names, sorted.
func (f *Factory) Names() []string {
	return f.plugins.Names()
}

// Descriptor returns the declared entry for name.
func (f *Factory) Descriptor(name string) (plugin.Descriptor, bool) {
	return f.plugins.Descriptor(name)
}

// Build resolves the implementation declared as name and returns an
// unstarted job owned by ownerID, ready for Manager.RegisterAndStart.
//
// Description, permission, failure reporting and default parameters come
// from the entry's configuration; opts are applied last.
func (f *Factory) Build(ownerID int, name string, onFinish FinishFunc, opts ...Option) (*Job, error) {
	impl, err := f.plugins.Get(name)
	if err != nil {
		return nil, err
	}
	desc, _ := f.plugins.Descriptor(name)
	cfg := desc.Config

	base := []Option{
		WithOwner(ownerID, nil),
		WithName(name),
		WithDescription(cfg.GetString(DescriptionKey)),
		WithPermission(cfg.GetString(PermissionKey)),
		WithOnFinish(onFinish),
		WithSequence(f.seq),
	}
	if cfg.IsSet(ReportFailuresKey) {
		base = append(base, WithReportFailures(cfg.GetBool(ReportFailuresKey)))
	}
	if params := cfg.GetStringMap(ParamsKey); len(params) > 0 {
		base = append(base, WithParams(params))
	}

	j := New(impl, append(base, opts...)...)
	f.logger.Debug("Job built",
		zap.Int64("job_id", j.ID()),
		zap.String("job_name", name),
		zap.String("classname", desc.Classname),
		zap.Int("owner_id", ownerID))
	return j, nil
}
