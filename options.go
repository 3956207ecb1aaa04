package transferloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// adapterOptions holds configuration resolved at adapter construction.
type adapterOptions struct {
	logger        *logiface.Logger[logiface.Event]
	caBundle      string
	forceInterval time.Duration
}

// AdapterOption configures an [Adapter].
type AdapterOption interface {
	applyAdapter(*adapterOptions) error
}

type adapterOptionImpl struct {
	applyAdapterFunc func(*adapterOptions) error
}

func (o *adapterOptionImpl) applyAdapter(opts *adapterOptions) error {
	return o.applyAdapterFunc(opts)
}

// WithLogger sets the structured logger. A nil logger (the default)
// disables logging; logiface loggers are nil-safe.
func WithLogger(logger *logiface.Logger[logiface.Event]) AdapterOption {
	return &adapterOptionImpl{func(opts *adapterOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithCABundle sets the certificate bundle path applied to transfers that
// do not carry their own. Defaults to [DefaultCABundle].
func WithCABundle(path string) AdapterOption {
	return &adapterOptionImpl{func(opts *adapterOptions) error {
		opts.caBundle = path
		return nil
	}}
}

// WithForceTimeoutInterval sets the period of the force-timeout safety task,
// which drives the engine with a timeout sentinel so transfers that produce
// no socket or timer notifications (DNS-only concurrency, connect-timeout
// edge cases) still make progress. Defaults to one second. Non-positive
// values are rejected.
func WithForceTimeoutInterval(d time.Duration) AdapterOption {
	return &adapterOptionImpl{func(opts *adapterOptions) error {
		if d <= 0 {
			return errors.New("transferloop: force timeout interval must be positive")
		}
		opts.forceInterval = d
		return nil
	}}
}

// resolveAdapterOptions applies AdapterOption instances to adapterOptions.
func resolveAdapterOptions(opts []AdapterOption) (*adapterOptions, error) {
	cfg := &adapterOptions{
		caBundle:      DefaultCABundle,
		forceInterval: time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyAdapter(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
