// Package registration drives the creation of an agent: label checks, the
// wallet challenge signature, funding of the derived agent wallet and the
// ordered on-chain registration steps.
package registration

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/elara-app/elara-go/internal/chain"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/metrics"
	"github.com/elara-app/elara-go/internal/model"
	"github.com/elara-app/elara-go/internal/upload"
	"github.com/elara-app/elara-go/internal/wallet"
)

// Workflow defaults.
const (
	DefaultPollInterval   = 3 * time.Second
	DefaultSettleDelay    = 2 * time.Second
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 3 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMinBalance     = "0.0001"
)

// DefaultContentHash points new agents at the published agent bundle.
var DefaultContentHash = hexutil.MustDecode("0xe3010170122029f2d17be6139079dc48696d1f582a8530eb9805b561eda517e22a892c7e3f1f")

// Chain is the registrar and registry access the workflow needs.
// *ens.Registry satisfies it.
type Chain interface {
	AvailabilityChecker
	Register(ctx context.Context, key *ecdsa.PrivateKey, label string, owner common.Address) error
	SetContenthash(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, hash []byte) error
	SetText(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, k, value string) error
}

// BalanceReader reads native balances. *chain.Client satisfies it.
type BalanceReader interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Uploader stores an avatar and returns its URL. *upload.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, img upload.Image) (string, error)
}

// Signer signs the wallet challenge on behalf of the owner.
type Signer interface {
	SignMessage(ctx context.Context, message string) ([]byte, error)
}

// Request is the submitted agent form.
type Request struct {
	Label          string
	Owner          common.Address
	Description    string
	AllowedCallers []string // callers allowed besides the owner
	Avatar         *upload.Image
}

// Config tunes a workflow. Zero values use the defaults.
type Config struct {
	Naming         ens.Naming
	ContentHash    []byte
	MinBalance     *big.Int
	PollInterval   time.Duration
	SettleDelay    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Naming.AppDomain == "" {
		c.Naming = ens.DefaultNaming()
	}
	if len(c.ContentHash) == 0 {
		c.ContentHash = DefaultContentHash
	}
	if c.MinBalance == nil {
		c.MinBalance, _ = chain.ParseEther(DefaultMinBalance)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the external collaborators of a workflow.
type Deps struct {
	Chain    Chain
	Balances BalanceReader
	Uploader Uploader
}

// Snapshot is a copy of the workflow state. It never holds the agent key.
type Snapshot struct {
	Label          string
	Name           string
	Node           common.Hash
	Owner          common.Address
	AgentAddress   common.Address
	AllowedCallers []string
	AvatarURL      string
	State          model.State
	Progress       model.Progress
	Balance        *big.Int
	Attempts       int
	LastError      string
}

// Event is published on every change of state, progress or balance.
type Event struct {
	Kind     string
	Detail   map[string]any
	Snapshot Snapshot
}

// Observer receives workflow events. Observe is called synchronously from
// the goroutine driving the workflow.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Workflow is one agent registration. Its methods follow the state machine
// form -> signing -> funding -> registering -> deployed; a failed signature
// returns to form and a failed registration step returns to funding.
type Workflow struct {
	req      Request
	deps     Deps
	cfg      Config
	observer Observer
	logger   *slog.Logger
	label    string // lowercase label registered on-chain
	name     string
	node     common.Hash
	allowed  []string

	mu            sync.Mutex
	state         model.State
	progress      model.Progress
	agent         wallet.AgentWallet
	expectedAgent common.Address
	balance       *big.Int
	attempts      int
	lastErr       string
	avatarURL     string
}

// New creates a workflow in the form state.
func New(req Request, deps Deps, cfg Config, observer Observer) (*Workflow, error) {
	if deps.Chain == nil || deps.Balances == nil {
		return nil, errors.New("registration requires a chain and a balance reader")
	}
	if req.Avatar != nil && deps.Uploader == nil {
		return nil, errors.New("registration with an avatar requires an uploader")
	}
	if req.Owner == (common.Address{}) {
		return nil, &ValidationError{Message: "owner address is required"}
	}
	cfg = cfg.withDefaults()
	// The challenge embeds the label as submitted; names are lowercase.
	req.Label = strings.TrimSpace(req.Label)
	label := strings.ToLower(req.Label)

	allowed, err := allowedCallers(req.Owner, req.AllowedCallers)
	if err != nil {
		return nil, err
	}
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}
	name := cfg.Naming.NameForLabel(label)
	return &Workflow{
		req:      req,
		deps:     deps,
		cfg:      cfg,
		observer: observer,
		logger:   cfg.Logger.With("label", label),
		label:    label,
		name:     name,
		node:     ens.NameHash(name),
		allowed:  allowed,
		state:    model.StateForm,
		progress: model.NewProgress(),
		balance:  new(big.Int),
	}, nil
}

// allowedCallers returns the owner followed by the extra callers, lowercased
// and deduplicated in order.
func allowedCallers(owner common.Address, extra []string) ([]string, error) {
	out := []string{strings.ToLower(owner.Hex())}
	seen := map[string]struct{}{out[0]: {}}
	for _, raw := range extra {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if !common.IsHexAddress(addr) {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid caller address %q", addr)}
		}
		addr = strings.ToLower(common.HexToAddress(addr).Hex())
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// Restore resumes a registration recorded earlier. The workflow waits in
// signing for the owner to sign again; the signature must derive agent, and
// steps already completed in progress are not sent again.
func (w *Workflow) Restore(agent common.Address, progress model.Progress, avatarURL string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = model.StateSigning
	w.expectedAgent = agent
	w.progress = progress
	for _, s := range model.Steps {
		w.progress.Reset(s)
	}
	w.avatarURL = avatarURL
}

// Name returns the fully-qualified name being registered.
func (w *Workflow) Name() string {
	return w.name
}

// Snapshot returns a copy of the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() Snapshot {
	return Snapshot{
		Label:          w.req.Label,
		Name:           w.name,
		Node:           w.node,
		Owner:          w.req.Owner,
		AgentAddress:   w.agent.Address,
		AllowedCallers: append([]string(nil), w.allowed...),
		AvatarURL:      w.avatarURL,
		State:          w.state,
		Progress:       w.progress,
		Balance:        new(big.Int).Set(w.balance),
		Attempts:       w.attempts,
		LastError:      w.lastErr,
	}
}

// update applies fn under the lock and publishes the result.
func (w *Workflow) update(kind string, detail map[string]any, fn func()) {
	w.mu.Lock()
	fn()
	snap := w.snapshotLocked()
	w.mu.Unlock()
	w.observer.Observe(Event{Kind: kind, Detail: detail, Snapshot: snap})
}

func (w *Workflow) setState(to model.State, detail map[string]any) {
	w.update(model.EventState, detail, func() {
		w.logger.Info("registration state changed", "from", w.state, "to", to)
		w.state = to
	})
	metrics.IncrementRegistrationTransition(string(to))
}

func (w *Workflow) requireState(s model.State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != s {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, w.state, s)
	}
	return nil
}

// Submit checks the label format and availability and moves to signing.
// A ValidationError leaves the workflow in form.
func (w *Workflow) Submit(ctx context.Context) error {
	if err := w.requireState(model.StateForm); err != nil {
		return err
	}
	if err := CheckLabel(ctx, w.deps.Chain, w.label); err != nil {
		return err
	}
	w.setState(model.StateSigning, nil)
	return nil
}

// Sign asks signer for the wallet challenge and derives the agent wallet.
// On failure the workflow returns to form. When ctx ends first the workflow
// stays in signing and ctx's error is returned.
func (w *Workflow) Sign(ctx context.Context, signer Signer) error {
	if err := w.requireState(model.StateSigning); err != nil {
		return err
	}
	sig, err := signer.SignMessage(ctx, wallet.ChallengeMessage(w.req.Label))
	if err != nil && ctx.Err() != nil {
		w.logger.Info("wallet challenge interrupted", "error", ctx.Err())
		return fmt.Errorf("wait for signature: %w", ctx.Err())
	}
	if err != nil {
		w.logger.Warn("wallet challenge not signed", "error", err)
		w.setState(model.StateForm, map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: %v", ErrSignatureRejected, err)
	}
	if !wallet.VerifySignature(w.req.Owner, wallet.ChallengeMessage(w.req.Label), sig) {
		w.setState(model.StateForm, map[string]any{"error": "signature does not match owner"})
		return fmt.Errorf("%w: signature does not match owner", ErrSignatureRejected)
	}
	agent, err := wallet.DeriveAgentWallet(sig)
	if err != nil {
		w.setState(model.StateForm, map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: %v", ErrSignatureRejected, err)
	}

	w.mu.Lock()
	expected := w.expectedAgent
	w.mu.Unlock()
	if expected != (common.Address{}) && expected != agent.Address {
		w.setState(model.StateForm, map[string]any{"error": ErrWalletMismatch.Error()})
		return ErrWalletMismatch
	}

	w.update(model.EventState, map[string]any{"agentAddress": agent.Address.Hex()}, func() {
		w.agent = agent
		w.state = model.StateFunding
	})
	metrics.IncrementRegistrationTransition(string(model.StateFunding))
	w.logger.Info("agent wallet derived", "agent", agent.Address.Hex())
	return nil
}

// WaitFunded polls the agent balance until it reaches the minimum. A failed
// read counts as a zero balance and polling continues.
func (w *Workflow) WaitFunded(ctx context.Context) error {
	if err := w.requireState(model.StateFunding); err != nil {
		return err
	}
	w.mu.Lock()
	addr := w.agent.Address
	w.mu.Unlock()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		bal, err := w.deps.Balances.Balance(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("balance read failed", "agent", addr.Hex(), "error", err)
			bal = nil
		}
		if bal == nil {
			bal = new(big.Int)
		}
		w.update(model.EventBalance, map[string]any{"balance": chain.FormatEther(bal, 6)}, func() {
			w.balance = bal
		})
		if bal.Cmp(w.cfg.MinBalance) >= 0 {
			w.logger.Info("agent wallet funded", "agent", addr.Hex(), "balance", chain.FormatEther(bal, 6))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Register sends the outstanding registration steps in order. A failure
// returns the workflow to funding with a ChainWriteError; completed steps
// stay completed.
func (w *Workflow) Register(ctx context.Context) error {
	if err := w.requireState(model.StateFunding); err != nil {
		return err
	}
	w.mu.Lock()
	key := w.agent.PrivateKey
	w.mu.Unlock()
	if key == nil {
		return fmt.Errorf("%w: agent wallet not derived", ErrInvalidState)
	}
	w.setState(model.StateRegistering, nil)

	sent := 0
	for _, step := range model.Steps {
		w.mu.Lock()
		status := w.progress.Status(step)
		w.mu.Unlock()
		if status == model.StepCompleted {
			continue
		}

		if step == model.StepAvatarSet && !w.hasAvatar() {
			w.completeStep(step)
			continue
		}

		if sent > 0 && w.cfg.SettleDelay > 0 {
			if err := sleep(ctx, w.cfg.SettleDelay); err != nil {
				return w.fail(step, err)
			}
		}

		var beginErr error
		w.update(model.EventStep, map[string]any{"step": step.String(), "status": model.StepLoading}, func() {
			beginErr = w.progress.Begin(step)
		})
		if beginErr != nil {
			return w.fail(step, beginErr)
		}
		if err := w.runStep(ctx, step, key); err != nil {
			metrics.IncrementChainWrite(step.String(), "failure")
			return w.fail(step, err)
		}
		metrics.IncrementChainWrite(step.String(), "success")
		sent++
		w.completeStep(step)
	}

	w.update(model.EventState, nil, func() {
		w.lastErr = ""
		w.state = model.StateDeployed
	})
	metrics.IncrementRegistrationTransition(string(model.StateDeployed))
	w.logger.Info("agent deployed", "name", w.name)
	return nil
}

// hasAvatar reports whether an avatar was submitted or already uploaded by
// an earlier run.
func (w *Workflow) hasAvatar() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.req.Avatar != nil || w.avatarURL != ""
}

func (w *Workflow) completeStep(step model.Step) {
	w.update(model.EventStep, map[string]any{"step": step.String(), "status": model.StepCompleted}, func() {
		// Begin already enforced ordering; Complete cannot fail here.
		_ = w.progress.Complete(step)
	})
}

func (w *Workflow) fail(step model.Step, err error) error {
	cwe := &ChainWriteError{Step: step, Err: err}
	w.logger.Warn("registration step failed", "step", step.String(), "error", err)
	w.update(model.EventFailure, map[string]any{"step": step.String(), "error": err.Error()}, func() {
		w.progress.Reset(step)
		w.lastErr = cwe.Error()
		w.state = model.StateFunding
	})
	metrics.IncrementRegistrationTransition(string(model.StateFunding))
	return cwe
}

func (w *Workflow) runStep(ctx context.Context, step model.Step, key *ecdsa.PrivateKey) error {
	switch step {
	case model.StepENSRegistered:
		return w.deps.Chain.Register(ctx, key, w.label, w.agent.Address)
	case model.StepContentHashSet:
		return w.deps.Chain.SetContenthash(ctx, key, w.node, w.cfg.ContentHash)
	case model.StepAllowedCallersSet:
		value, err := json.Marshal(w.allowed)
		if err != nil {
			return err
		}
		return w.deps.Chain.SetText(ctx, key, w.node, ens.KeyAllowedCallers, string(value))
	case model.StepAvatarSet:
		w.mu.Lock()
		url := w.avatarURL
		w.mu.Unlock()
		if url == "" {
			if w.req.Avatar == nil {
				return errors.New("avatar image is missing")
			}
			uploaded, err := w.deps.Uploader.Upload(ctx, *w.req.Avatar)
			if err != nil {
				return fmt.Errorf("upload avatar: %w", err)
			}
			w.update(model.EventStep, map[string]any{"step": step.String(), "avatarUrl": uploaded}, func() {
				w.avatarURL = uploaded
			})
			url = uploaded
		}
		return w.deps.Chain.SetText(ctx, key, w.node, ens.KeyAvatar, url)
	}
	return fmt.Errorf("unknown step %s", step)
}

// Run drives the workflow from its current state to deployed. Registration
// failures are retried with exponential backoff up to MaxAttempts attempts,
// each attempt waiting for funding first and resuming at the first step that
// is not completed.
func (w *Workflow) Run(ctx context.Context, signer Signer) error {
	if w.Snapshot().State == model.StateForm {
		if err := w.Submit(ctx); err != nil {
			return err
		}
	}
	if w.Snapshot().State == model.StateSigning {
		if err := w.Sign(ctx, signer); err != nil {
			return err
		}
	}
	if err := w.requireState(model.StateFunding); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1)), ctx)

	op := func() error {
		if err := w.WaitFunded(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var (
			attempt int
			next    model.Step
		)
		w.update(model.EventAttempts, nil, func() {
			w.attempts++
			attempt = w.attempts
			next, _ = w.progress.NextStep()
		})
		w.logger.Info("registration attempt", "attempt", attempt, "max", w.cfg.MaxAttempts, "from", next.String())
		err := w.Register(ctx)
		var cwe *ChainWriteError
		if err != nil && !errors.As(err, &cwe) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("registration attempt failed, retrying", "error", err, "retryIn", wait)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var cwe *ChainWriteError
	if errors.As(err, &cwe) {
		w.update(model.EventFailure, map[string]any{"error": ErrRetriesExhausted.Error()}, func() {})
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
