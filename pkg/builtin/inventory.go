package builtin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/job"
	"github.com/3leaps/taskd/pkg/match"
	"github.com/3leaps/taskd/pkg/output"
	"github.com/3leaps/taskd/pkg/plugin"
	"github.com/3leaps/taskd/pkg/provider"
	"github.com/3leaps/taskd/pkg/provider/file"
	"github.com/3leaps/taskd/pkg/provider/s3"
)

// Source selects and configures the listing backend of an inventory job.
type Source struct {
	Type provider.Type `mapstructure:"provider" validate:"required,oneof=s3 file"`
	S3   s3.Config     `mapstructure:"s3"`
	File file.Config   `mapstructure:"file"`
}

// ProviderOpener opens the backend described by src.
type ProviderOpener func(ctx context.Context, src Source) (provider.Provider, error)

// OpenProvider opens the S3 or local file backend.
func OpenProvider(ctx context.Context, src Source) (provider.Provider, error) {
	switch src.Type {
	case provider.TypeS3:
		return s3.New(ctx, src.S3)
	case provider.TypeFile:
		return file.New(src.File)
	default:
		return nil, fmt.Errorf("unsupported provider %q", src.Type)
	}
}

type inventoryConfig struct {
	Source `mapstructure:",squash"`

	Match match.Config `mapstructure:"match"`

	// Encoder is the declared encoder name the artifact is written with.
	// Default: "jsonl"
	Encoder string `mapstructure:"encoder" validate:"required"`

	// Concurrency is the number of prefixes listed in parallel.
	// Default: 4
	Concurrency int `mapstructure:"concurrency" validate:"gte=1,lte=64"`

	// PageSize is the listing page size; zero uses the provider default.
	PageSize int `mapstructure:"page_size" validate:"gte=0"`

	// RateLimit caps list requests per second; zero is unlimited.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`

	// ChannelBuffer bounds the objects in flight between lister and writer.
	// Default: 1000
	ChannelBuffer int `mapstructure:"channel_buffer" validate:"gte=1"`

	// ProgressEvery updates job progress every N listed objects.
	// Default: 500
	ProgressEvery int64 `mapstructure:"progress_every" validate:"gte=1"`
}

// inventoryParams are the launch-time overrides an owner may pass.
type inventoryParams struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
	Encoder string   `mapstructure:"encoder"`
}

// Inventory lists a bucket or directory, keeps the keys the match rules
// accept, and writes them as a downloadable artifact.
//
// Per-prefix access, not-found, throttling and availability failures are
// written to the artifact as error records and do not fail the job.
type Inventory struct {
	deps Deps
	name string
	cfg  inventoryConfig
}

var (
	_ job.Plugin    = (*Inventory)(nil)
	_ job.Describer = (*Inventory)(nil)
)

// Configure implements plugin.Plugin.
func (inv *Inventory) Configure(name string, cfg *viper.Viper) error {
	inv.name = name
	inv.cfg = inventoryConfig{
		Encoder:       "jsonl",
		Concurrency:   4,
		ChannelBuffer: 1000,
		ProgressEvery: 500,
	}
	if err := plugin.Decode(cfg, &inv.cfg); err != nil {
		return err
	}
	if err := validate.Struct(inv.cfg); err != nil {
		return err
	}
	// Patterns are checked when declared, not only at launch.
	if _, err := match.New(inv.cfg.Match); err != nil {
		return err
	}
	return nil
}

// Traits implements job.Describer.
func (inv *Inventory) Traits() job.Traits {
	return job.Traits{Exclusive: true, DelayTolerant: true, ProducesFiles: true, ReportFailures: true}
}

// Run implements job.Runner.
func (inv *Inventory) Run(ctx context.Context, j *job.Job) error {
	cfg := inv.cfg
	var params inventoryParams
	if err := j.DecodeParams(&params); err != nil {
		return fmt.Errorf("inventory params: %w", err)
	}
	if len(params.Include) > 0 {
		cfg.Match.Includes = params.Include
	}
	if len(params.Exclude) > 0 {
		cfg.Match.Excludes = params.Exclude
	}
	if params.Encoder != "" {
		cfg.Encoder = params.Encoder
	}

	m, err := match.New(cfg.Match)
	if err != nil {
		return err
	}

	p, err := inv.deps.OpenProvider(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("open %s provider: %w", cfg.Type, err)
	}
	defer p.Close()

	logger := j.Logger()
	return inv.deps.Encoders.Run(ctx, cfg.Encoder, func(enc output.Encoder) error {
		f, err := inv.deps.Artifacts.Create(j.ID(), artifact.NewName(enc.Extension()), artifact.Access{
			JobName:    j.Name(),
			OwnerID:    j.OwnerID(),
			Permission: j.Permission(),
		})
		if err != nil {
			return err
		}
		defer f.Discard()

		if err := enc.Open(f, j.ID(), cfg.Type.String()); err != nil {
			return err
		}
		sum, runErr := newLister(p, m, enc, j, cfg).run(ctx)
		finishErr := enc.Finish()
		if runErr != nil {
			return runErr
		}
		if finishErr != nil {
			return finishErr
		}
		if err := f.Commit(); err != nil {
			return err
		}

		j.AddFile(f.Name())
		j.SetMessage(fmt.Sprintf("%d of %d objects matched", sum.ObjectsMatched, sum.ObjectsFound))
		logger.Info("Inventory written",
			zap.String("artifact", f.Name()),
			zap.Int64("objects_found", sum.ObjectsFound),
			zap.Int64("objects_matched", sum.ObjectsMatched),
			zap.Int64("errors", sum.Errors),
			zap.Duration("duration", sum.Duration))
		return nil
	})
}

// lister is the two-stage pipeline of one inventory run: bounded parallel
// listers feed a single writer that matches and encodes.
type lister struct {
	provider provider.Provider
	matcher  *match.Matcher
	enc      output.Encoder
	job      *job.Job
	cfg      inventoryConfig
	limiter  *rate.Limiter

	listed   atomic.Int64
	matched  atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64

	prefixesDone atomic.Int64
}

func newLister(p provider.Provider, m *match.Matcher, enc output.Encoder, j *job.Job, cfg inventoryConfig) *lister {
	l := &lister{provider: p, matcher: m, enc: enc, job: j, cfg: cfg}
	if cfg.RateLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return l
}

func (l *lister) run(ctx context.Context) (*output.SummaryRecord, error) {
	start := time.Now()

	prefixes := l.matcher.Prefixes()
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	l.job.UpdateMain(0, int64(len(prefixes)))

	if err := l.pipeline(ctx, prefixes); err != nil {
		return nil, err
	}

	d := time.Since(start)
	sum := &output.SummaryRecord{
		ObjectsFound:   l.listed.Load(),
		ObjectsMatched: l.matched.Load(),
		BytesTotal:     l.bytes.Load(),
		Duration:       d,
		DurationHuman:  d.Round(time.Millisecond).String(),
		Errors:         l.failures.Load(),
	}
	l.job.UpdateSub(sum.ObjectsFound, sum.ObjectsFound)
	return sum, l.enc.WriteSummary(ctx, sum)
}

func (l *lister) pipeline(ctx context.Context, prefixes []string) error {
	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan provider.ObjectSummary, l.cfg.ChannelBuffer)
	errCh := make(chan error, 2)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(items)
		if err := l.listAll(pipeCtx, prefixes, items); err != nil {
			fail(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := l.write(pipeCtx, items); err != nil {
			fail(err)
		}
	}()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (l *lister) listAll(ctx context.Context, prefixes []string, out chan<- provider.ObjectSummary) error {
	sem := make(chan struct{}, l.cfg.Concurrency)

	var wg sync.WaitGroup
	var firstErr error
	var once sync.Once

	for _, prefix := range prefixes {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := l.listPrefix(ctx, prefix, out); err != nil {
				once.Do(func() { firstErr = err })
				return
			}
			l.job.UpdateMain(l.prefixesDone.Add(1), int64(len(prefixes)))
		}(prefix)
	}

	wg.Wait()
	return firstErr
}

func (l *lister) listPrefix(ctx context.Context, prefix string, out chan<- provider.ObjectSummary) error {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		res, err := l.provider.List(ctx, provider.ListOptions{
			Prefix:            prefix,
			ContinuationToken: token,
			MaxKeys:           l.cfg.PageSize,
		})
		if err != nil {
			if code, ok := recoverable(err); ok {
				l.recordError(ctx, code, err, prefix)
				return nil
			}
			return err
		}

		for _, obj := range res.Objects {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- obj:
			}
		}

		if !res.IsTruncated || res.ContinuationToken == "" {
			return nil
		}
		token = res.ContinuationToken
	}
}

func (l *lister) write(ctx context.Context, in <-chan provider.ObjectSummary) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case obj, ok := <-in:
			if !ok {
				return nil
			}

			n := l.listed.Add(1)
			if n%l.cfg.ProgressEvery == 0 && !l.job.UpdateSub(l.matched.Load(), n) {
				return context.Canceled
			}
			if !l.matcher.Accept(obj.Key, obj.Size, obj.LastModified) {
				continue
			}

			l.matched.Add(1)
			l.bytes.Add(obj.Size)
			if err := l.enc.WriteObject(ctx, &output.ObjectRecord{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         obj.ETag,
				LastModified: obj.LastModified,
			}); err != nil {
				return err
			}
		}
	}
}

func (l *lister) recordError(ctx context.Context, code string, err error, prefix string) {
	l.failures.Add(1)
	l.job.Logger().Warn("Inventory prefix skipped",
		zap.String("prefix", prefix),
		zap.String("code", code),
		zap.Error(err))
	_ = l.enc.WriteError(ctx, &output.ErrorRecord{Code: code, Message: err.Error(), Key: prefix})
}

// recoverable maps per-prefix provider failures to error record codes.
// Anything else aborts the run.
func recoverable(err error) (string, bool) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", false
	case provider.IsAccessDenied(err):
		return output.ErrCodeAccessDenied, true
	case provider.IsNotFound(err):
		return output.ErrCodeNotFound, true
	case provider.IsThrottled(err):
		return output.ErrCodeThrottled, true
	case provider.IsUnavailable(err):
		return output.ErrCodeUnavailable, true
	default:
		return "", false
	}
}
