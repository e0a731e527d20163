// Package faucet sends test-network funds to an address with foundry's cast.
package faucet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nilgw/services/gateway/internal/config"
	"nilgw/services/gateway/internal/ledger"
	"nilgw/services/gateway/internal/toolrun"
)

const (
	// DefaultAmount is the value sent per grant.
	DefaultAmount = "10ether"

	defaultTimeout = 60 * time.Second
)

// ErrInvalidAddress is returned for an address cast would read as something
// other than a recipient.
var ErrInvalidAddress = errors.New("invalid destination address")

// Grants is the grant history Fund consults and appends to. ledger.Ledger satisfies it.
type Grants interface {
	LastGrant(ctx context.Context, address string) (time.Time, bool, error)
	RecordGrant(ctx context.Context, g ledger.Grant) (ledger.Grant, error)
}

// Options configures a Funder.
type Options struct {
	Binary   string
	Key      config.Secret
	RPCURL   string
	Amount   string
	Timeout  time.Duration
	Policy   toolrun.Policy
	Redactor toolrun.Redactor
	// Cooldown is the minimum time between grants to one address. Zero disables it.
	Cooldown time.Duration
	// Grants, when set, receives every successful grant.
	Grants Grants
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Funder runs cast send for one address at a time.
type Funder struct {
	runner toolrun.Runner
	opts   Options
	locks  addressLocks
}

// New validates opts and applies defaults.
func New(runner toolrun.Runner, opts Options) (*Funder, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, errors.New("cast binary is required")
	}
	if opts.Key.Reveal() == "" {
		return nil, errors.New("faucet key is required")
	}
	if strings.TrimSpace(opts.RPCURL) == "" {
		return nil, errors.New("rpc url is required")
	}
	if opts.Cooldown > 0 && opts.Grants == nil {
		return nil, errors.New("cooldown requires a grant history")
	}
	if strings.TrimSpace(opts.Amount) == "" {
		opts.Amount = DefaultAmount
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Policy == nil {
		opts.Policy = toolrun.MarkerPolicy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Funder{runner: runner, opts: opts, locks: addressLocks{held: map[string]*addressLock{}}}, nil
}

// Amount is the value sent per grant.
func (f *Funder) Amount() string { return f.opts.Amount }

// Fund transfers the configured amount to address. Single attempt.
// Requests for the same address are serialised so the cooldown check, the
// transfer and the grant record happen as one step.
func (f *Funder) Fund(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" || strings.HasPrefix(address, "-") || strings.ContainsAny(address, " \t\r\n") {
		return ErrInvalidAddress
	}

	unlock, err := f.locks.lock(ctx, strings.ToLower(address))
	if err != nil {
		return err
	}
	defer unlock()

	if err := f.checkCooldown(ctx, address); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	res, err := f.runner.Run(runCtx, toolrun.Command{
		Path: f.opts.Binary,
		Args: f.Args(address),
	})
	res = f.opts.Redactor.Result(res)
	if err != nil {
		return &FundingError{Output: res.Diagnostics(), Err: f.opts.Redactor.Error(err)}
	}
	if f.opts.Policy(res) {
		return &FundingError{Output: res.Diagnostics()}
	}

	f.record(ctx, address)
	f.opts.Logger.Info().
		Str("address", address).
		Str("amount", f.opts.Amount).
		Dur("duration", res.Duration).
		Msg("faucet grant sent")
	return nil
}

// record appends the grant to the history. The funds are already sent, so a
// failed write is logged rather than returned.
func (f *Funder) record(ctx context.Context, address string) {
	if f.opts.Grants == nil {
		return
	}
	_, err := f.opts.Grants.RecordGrant(context.WithoutCancel(ctx), ledger.Grant{
		Address:   address,
		Amount:    f.opts.Amount,
		CreatedAt: f.opts.Now().UTC(),
	})
	if err != nil {
		f.opts.Logger.Warn().Err(err).Str("address", address).Msg("record grant")
	}
}

// Args builds the cast command line for one grant.
func (f *Funder) Args(address string) []string {
	return []string{
		"send",
		"--private-key", f.opts.Key.Reveal(),
		"--rpc-url", f.opts.RPCURL,
		address,
		"--value", f.opts.Amount,
	}
}

func (f *Funder) checkCooldown(ctx context.Context, address string) error {
	if f.opts.Cooldown <= 0 {
		return nil
	}
	last, ok, err := f.opts.Grants.LastGrant(ctx, address)
	if err != nil {
		return fmt.Errorf("look up last grant: %w", err)
	}
	if !ok {
		return nil
	}
	if wait := last.Add(f.opts.Cooldown).Sub(f.opts.Now()); wait > 0 {
		return &CooldownError{Address: address, RetryAfter: wait}
	}
	return nil
}

type addressLock struct {
	sem  chan struct{}
	refs int
}

// addressLocks hands out one lock per address and forgets it once no caller holds or waits on it.
type addressLocks struct {
	mu   sync.Mutex
	held map[string]*addressLock
}

func (l *addressLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	al, ok := l.held[key]
	if !ok {
		al = &addressLock{sem: make(chan struct{}, 1)}
		l.held[key] = al
	}
	al.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}

	select {
	case al.sem <- struct{}{}:
		return func() {
			<-al.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// FundingError reports a failed cast run. Output is the redacted cast output.
type FundingError struct {
	Output string
	Err    error
}

func (e *FundingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cast execution failed: [%v]", e.Err)
	}
	return fmt.Sprintf("cast execution failed: [%s]", e.Output)
}

func (e *FundingError) Unwrap() error { return e.Err }

// CooldownError reports an address funded too recently.
type CooldownError struct {
	Address    string
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("address %s was funded recently; retry in %s", e.Address, e.RetryAfter.Round(time.Second))
}
