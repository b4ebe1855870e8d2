package registration

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elara-app/elara-go/internal/chain"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/model"
	"github.com/elara-app/elara-go/internal/upload"
	"github.com/elara-app/elara-go/internal/wallet"
)

type chainCall struct {
	method string
	label  string
	owner  common.Address
	node   common.Hash
	key    string
	value  string
}

type fakeChain struct {
	mu        sync.Mutex
	taken     map[string]bool
	availErr  error
	failures  map[string]int // method -> remaining failures, -1 fails forever
	calls     []chainCall
	availHits int
}

func newFakeChain() *fakeChain {
	return &fakeChain{taken: map[string]bool{}, failures: map[string]int{}}
}

func (f *fakeChain) Available(ctx context.Context, label string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availHits++
	if f.availErr != nil {
		return false, f.availErr
	}
	return !f.taken[label], nil
}

func (f *fakeChain) record(c chainCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := c.method
	if c.key != "" {
		name += ":" + c.key
	}
	if n := f.failures[name]; n != 0 {
		if n > 0 {
			f.failures[name] = n - 1
		}
		return errors.New("execution reverted")
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeChain) Register(ctx context.Context, key *ecdsa.PrivateKey, label string, owner common.Address) error {
	return f.record(chainCall{method: "register", label: label, owner: owner})
}

func (f *fakeChain) SetContenthash(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, hash []byte) error {
	return f.record(chainCall{method: "setContenthash", node: node, value: common.Bytes2Hex(hash)})
}

func (f *fakeChain) SetText(ctx context.Context, key *ecdsa.PrivateKey, node common.Hash, k, value string) error {
	return f.record(chainCall{method: "setText", node: node, key: k, value: value})
}

func (f *fakeChain) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		name := c.method
		if c.key != "" {
			name += ":" + c.key
		}
		out = append(out, name)
	}
	return out
}

type balanceReading struct {
	wei *big.Int
	err error
}

// fakeBalances returns the readings in order and repeats the last one.
type fakeBalances struct {
	mu       sync.Mutex
	readings []balanceReading
	reads    int
}

func (f *fakeBalances) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.reads
	if i >= len(f.readings) {
		i = len(f.readings) - 1
	}
	f.reads++
	r := f.readings[i]
	return r.wei, r.err
}

func (f *fakeBalances) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func funded(t *testing.T) *fakeBalances {
	return &fakeBalances{readings: []balanceReading{{wei: ether(t, "0.01")}}}
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, img upload.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "ipfs://QmAvatar", nil
}

type rejectingSigner struct{}

func (rejectingSigner) SignMessage(ctx context.Context, message string) ([]byte, error) {
	return nil, wallet.ErrRejected
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) states() []model.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.State
	for _, e := range l.events {
		if e.Kind == model.EventState {
			if len(out) == 0 || out[len(out)-1] != e.Snapshot.State {
				out = append(out, e.Snapshot.State)
			}
		}
	}
	return out
}

func (l *eventLog) kind(kind string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// steps renders step events as "step:status", or "step:avatarUrl" for the
// upload notice.
func (l *eventLog) steps() []string {
	var out []string
	for _, e := range l.kind(model.EventStep) {
		if status, ok := e.Detail["status"]; ok {
			out = append(out, fmt.Sprintf("%s:%s", e.Detail["step"], status))
		} else {
			out = append(out, fmt.Sprintf("%s:avatarUrl", e.Detail["step"]))
		}
	}
	return out
}

func ether(t *testing.T, amount string) *big.Int {
	t.Helper()
	wei, err := chain.ParseEther(amount)
	require.NoError(t, err)
	return wei
}

func testConfig() Config {
	return Config{
		PollInterval:   5 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newOwner(t *testing.T) (*ecdsa.PrivateKey, *wallet.LocalWallet) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, wallet.NewLocalWallet(key)
}

func expectedAgent(t *testing.T, key *ecdsa.PrivateKey, label string) common.Address {
	t.Helper()
	sig, err := wallet.SignText(key, wallet.ChallengeMessage(label))
	require.NoError(t, err)
	agent, err := wallet.DeriveAgentWallet(sig)
	require.NoError(t, err)
	return agent.Address
}

func TestRunDeploysStepsInOrder(t *testing.T) {
	key, owner := newOwner(t)
	ownerAddr := crypto.PubkeyToAddress(key.PublicKey)
	extra := "0x00000000000000000000000000000000000000AA"

	fc := newFakeChain()
	up := &fakeUploader{}
	log := &eventLog{}
	req := Request{
		Label:          "alice",
		Owner:          ownerAddr,
		AllowedCallers: []string{extra, strings.ToUpper(ownerAddr.Hex()[2:]), ""},
		Avatar:         &upload.Image{Filename: "a.png", Data: []byte{1, 2, 3}},
	}
	wf, err := New(req, Deps{Chain: fc, Balances: funded(t), Uploader: up}, testConfig(), log)
	require.NoError(t, err)

	require.NoError(t, wf.Run(context.Background(), owner))

	assert.Equal(t, []string{"register", "setContenthash", "setText:allowed_callers", "setText:avatar"}, fc.methods())
	assert.Equal(t, []model.State{model.StateSigning, model.StateFunding, model.StateRegistering, model.StateDeployed}, log.states())

	snap := wf.Snapshot()
	assert.Equal(t, model.StateDeployed, snap.State)
	assert.True(t, snap.Progress.Done())
	assert.Equal(t, 1, snap.Attempts)
	assert.Equal(t, "ipfs://QmAvatar", snap.AvatarURL)
	assert.Equal(t, 1, up.calls)

	agent := expectedAgent(t, key, "alice")
	assert.Equal(t, agent, snap.AgentAddress)

	calls := fc.calls
	assert.Equal(t, "alice", calls[0].label)
	assert.Equal(t, agent, calls[0].owner)
	node := ens.NameHash("alice.elara-app.eth")
	for _, c := range calls[1:] {
		assert.Equal(t, node, c.node)
	}
	assert.Equal(t, common.Bytes2Hex(DefaultContentHash), calls[1].value)
	wantCallers := `["` + strings.ToLower(ownerAddr.Hex()) + `","` + strings.ToLower(extra) + `"]`
	assert.Equal(t, wantCallers, calls[2].value)
	assert.Equal(t, "ipfs://QmAvatar", calls[3].value)
}

func TestRegisterStepEvents(t *testing.T) {
	tests := []struct {
		name   string
		avatar *upload.Image
		want   []string
	}{
		{
			name:   "with avatar",
			avatar: &upload.Image{Filename: "a.png", Data: []byte{1}},
			want: []string{
				"ensRegistered:loading", "ensRegistered:completed",
				"contentHashSet:loading", "contentHashSet:completed",
				"allowedCallersSet:loading", "allowedCallersSet:completed",
				"avatarSet:loading", "avatarSet:avatarUrl", "avatarSet:completed",
			},
		},
		{
			name: "without avatar",
			want: []string{
				"ensRegistered:loading", "ensRegistered:completed",
				"contentHashSet:loading", "contentHashSet:completed",
				"allowedCallersSet:loading", "allowedCallersSet:completed",
				"avatarSet:completed",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, owner := newOwner(t)
			log := &eventLog{}
			wf, err := New(Request{Label: "steps", Owner: crypto.PubkeyToAddress(key.PublicKey), Avatar: tt.avatar},
				Deps{Chain: newFakeChain(), Balances: funded(t), Uploader: &fakeUploader{}}, testConfig(), log)
			require.NoError(t, err)

			require.NoError(t, wf.Run(context.Background(), owner))
			assert.Equal(t, tt.want, log.steps())
		})
	}
}

func TestRegisterSkipsAvatarWithoutImage(t *testing.T) {
	key, owner := newOwner(t)
	fc := newFakeChain()
	wf, err := New(Request{Label: "bob-agent", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: fc, Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, wf.Run(context.Background(), owner))
	assert.Equal(t, []string{"register", "setContenthash", "setText:allowed_callers"}, fc.methods())
	assert.Equal(t, model.StepCompleted, wf.Snapshot().Progress.AvatarSet)
}

func TestRegisterFailureReturnsToFunding(t *testing.T) {
	key, owner := newOwner(t)
	fc := newFakeChain()
	fc.failures["setContenthash"] = 1
	wf, err := New(Request{Label: "carol", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: fc, Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, wf.Submit(ctx))
	require.NoError(t, wf.Sign(ctx, owner))
	require.NoError(t, wf.WaitFunded(ctx))

	err = wf.Register(ctx)
	var cwe *ChainWriteError
	require.ErrorAs(t, err, &cwe)
	assert.Equal(t, model.StepContentHashSet, cwe.Step)

	snap := wf.Snapshot()
	assert.Equal(t, model.StateFunding, snap.State)
	assert.Equal(t, model.StepCompleted, snap.Progress.ENSRegistered)
	assert.Equal(t, model.StepPending, snap.Progress.ContentHashSet)
	assert.NotEmpty(t, snap.LastError)

	// The retry resumes at the failed step without registering again.
	require.NoError(t, wf.Register(ctx))
	assert.Equal(t, []string{"register", "setContenthash", "setText:allowed_callers"}, fc.methods())
	assert.Equal(t, model.StateDeployed, wf.Snapshot().State)
	assert.Empty(t, wf.Snapshot().LastError)
}

func TestRunRetriesAndResumes(t *testing.T) {
	key, owner := newOwner(t)
	fc := newFakeChain()
	fc.failures["setText:allowed_callers"] = 2
	wf, err := New(Request{Label: "dave", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: fc, Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, wf.Run(context.Background(), owner))
	assert.Equal(t, []string{"register", "setContenthash", "setText:allowed_callers"}, fc.methods())
	assert.Equal(t, 3, wf.Snapshot().Attempts)
}

func TestRunRetriesExhausted(t *testing.T) {
	key, owner := newOwner(t)
	fc := newFakeChain()
	fc.failures["setContenthash"] = -1
	log := &eventLog{}
	wf, err := New(Request{Label: "erin", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: fc, Balances: funded(t)}, testConfig(), log)
	require.NoError(t, err)

	err = wf.Run(context.Background(), owner)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	var cwe *ChainWriteError
	require.ErrorAs(t, err, &cwe)
	assert.Equal(t, model.StepContentHashSet, cwe.Step)

	snap := wf.Snapshot()
	assert.Equal(t, model.StateFunding, snap.State)
	assert.Equal(t, 3, snap.Attempts)
	assert.Equal(t, []string{"register"}, fc.methods())
	assert.Len(t, log.kind(model.EventAttempts), 3)
}

func TestWaitFundedPollsUntilThreshold(t *testing.T) {
	key, owner := newOwner(t)
	balances := &fakeBalances{readings: []balanceReading{
		{wei: new(big.Int)},
		{wei: ether(t, "0.00005")},
		{wei: ether(t, "0.0002")},
	}}
	log := &eventLog{}
	wf, err := New(Request{Label: "frank", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: newFakeChain(), Balances: balances}, testConfig(), log)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, wf.Submit(ctx))
	require.NoError(t, wf.Sign(ctx, owner))
	require.NoError(t, wf.WaitFunded(ctx))

	assert.Equal(t, 3, balances.count())
	events := log.kind(model.EventBalance)
	require.Len(t, events, 3)
	assert.Equal(t, "0.000050", events[1].Detail["balance"])
	assert.Equal(t, 0, wf.Snapshot().Balance.Cmp(ether(t, "0.0002")))
}

func TestWaitFundedTreatsReadErrorAsZero(t *testing.T) {
	key, owner := newOwner(t)
	balances := &fakeBalances{readings: []balanceReading{
		{err: errors.New("rpc unavailable")},
		{wei: ether(t, "0.0001")},
	}}
	log := &eventLog{}
	wf, err := New(Request{Label: "grace", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: newFakeChain(), Balances: balances}, testConfig(), log)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, wf.Submit(ctx))
	require.NoError(t, wf.Sign(ctx, owner))
	require.NoError(t, wf.WaitFunded(ctx))

	events := log.kind(model.EventBalance)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Snapshot.Balance.Sign())
	assert.Equal(t, model.StateFunding, wf.Snapshot().State)
}

func TestWaitFundedStopsOnCancel(t *testing.T) {
	key, owner := newOwner(t)
	balances := &fakeBalances{readings: []balanceReading{{wei: new(big.Int)}}}
	wf, err := New(Request{Label: "heidi", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: newFakeChain(), Balances: balances}, testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, wf.Submit(context.Background()))
	require.NoError(t, wf.Sign(context.Background(), owner))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, wf.WaitFunded(ctx), context.DeadlineExceeded)
	assert.Equal(t, model.StateFunding, wf.Snapshot().State)
}

func TestSignRejectedReturnsToForm(t *testing.T) {
	key, _ := newOwner(t)
	wf, err := New(Request{Label: "ivan", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: newFakeChain(), Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)

	err = wf.Run(context.Background(), rejectingSigner{})
	require.ErrorIs(t, err, ErrSignatureRejected)
	assert.Equal(t, model.StateForm, wf.Snapshot().State)
	assert.Equal(t, common.Address{}, wf.Snapshot().AgentAddress)
}

func TestSignInterruptedStaysInSigning(t *testing.T) {
	key, _ := newOwner(t)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	events := &eventLog{}
	wf, err := New(Request{Label: "ivy", Owner: owner},
		Deps{Chain: newFakeChain(), Balances: funded(t)}, testConfig(), events)
	require.NoError(t, err)
	require.NoError(t, wf.Submit(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wf.Sign(ctx, NewPendingSigner(owner, "ivy")) }()
	cancel()

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sign did not return after cancel")
	}
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSignatureRejected)
	assert.Equal(t, model.StateSigning, wf.Snapshot().State)
	assert.NotContains(t, events.states(), model.StateForm)
}

func TestSignByOtherAccountIsRejected(t *testing.T) {
	key, _ := newOwner(t)
	_, stranger := newOwner(t)
	wf, err := New(Request{Label: "judy", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: newFakeChain(), Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, wf.Submit(context.Background()))
	require.ErrorIs(t, wf.Sign(context.Background(), stranger), ErrSignatureRejected)
	assert.Equal(t, model.StateForm, wf.Snapshot().State)
}

func TestSubmitValidation(t *testing.T) {
	key, _ := newOwner(t)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	tests := []struct {
		name     string
		label    string
		taken    bool
		availErr error
		want     string
	}{
		{"empty", "", false, nil, "ENS name cannot be empty"},
		{"short", "ab", false, nil, "ENS name must be at least 3 characters long"},
		{"long", strings.Repeat("a", 21), false, nil, "ENS name must be no more than 20 characters long"},
		{"leading hyphen", "-abc", false, nil, "ENS name cannot start or end with a hyphen"},
		{"trailing hyphen", "abc-", false, nil, "ENS name cannot start or end with a hyphen"},
		{"taken", "taken", true, nil, "ENS name is already taken"},
		{"read failure", "fresh", false, errors.New("rpc down"), "Failed to check availability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChain()
			fc.taken[tt.label] = tt.taken
			fc.availErr = tt.availErr
			log := &eventLog{}
			wf, err := New(Request{Label: tt.label, Owner: owner}, Deps{Chain: fc, Balances: funded(t)}, testConfig(), log)
			require.NoError(t, err)

			err = wf.Submit(context.Background())
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.want, verr.Message)
			assert.Equal(t, model.StateForm, wf.Snapshot().State)
			assert.Empty(t, log.states())
		})
	}
}

func TestFormatFailureSkipsAvailabilityRead(t *testing.T) {
	fc := newFakeChain()
	require.Error(t, CheckLabel(context.Background(), fc, "ab"))
	assert.Zero(t, fc.availHits)
}

func TestNewRejectsBadCallers(t *testing.T) {
	key, _ := newOwner(t)
	_, err := New(Request{Label: "kate", Owner: crypto.PubkeyToAddress(key.PublicKey), AllowedCallers: []string{"not-an-address"}},
		Deps{Chain: newFakeChain(), Balances: funded(t)}, testConfig(), nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = New(Request{Label: "kate"}, Deps{Chain: newFakeChain(), Balances: funded(t)}, testConfig(), nil)
	require.ErrorAs(t, err, &verr)
}

func TestOperationsRequireState(t *testing.T) {
	key, owner := newOwner(t)
	wf, err := New(Request{Label: "leo", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: newFakeChain(), Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.ErrorIs(t, wf.Sign(ctx, owner), ErrInvalidState)
	require.ErrorIs(t, wf.WaitFunded(ctx), ErrInvalidState)
	require.ErrorIs(t, wf.Register(ctx), ErrInvalidState)
}

func TestRestoreRequiresSameWallet(t *testing.T) {
	key, owner := newOwner(t)
	ownerAddr := crypto.PubkeyToAddress(key.PublicKey)
	fc := newFakeChain()

	progress := model.NewProgress()
	require.NoError(t, progress.Complete(model.StepENSRegistered))
	require.NoError(t, progress.Begin(model.StepContentHashSet))

	// Wrong recorded wallet.
	wf, err := New(Request{Label: "mia", Owner: ownerAddr}, Deps{Chain: fc, Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)
	wf.Restore(common.HexToAddress("0x00000000000000000000000000000000000000BB"), progress, "")
	require.ErrorIs(t, wf.Run(context.Background(), owner), ErrWalletMismatch)

	// Matching wallet resumes after the completed step.
	wf, err = New(Request{Label: "mia", Owner: ownerAddr}, Deps{Chain: fc, Balances: funded(t)}, testConfig(), nil)
	require.NoError(t, err)
	wf.Restore(expectedAgent(t, key, "mia"), progress, "")
	assert.Equal(t, model.StepPending, wf.Snapshot().Progress.ContentHashSet)
	require.NoError(t, wf.Run(context.Background(), owner))
	assert.Equal(t, []string{"setContenthash", "setText:allowed_callers"}, fc.methods())
}

func TestRestoredAvatarIsNotUploadedAgain(t *testing.T) {
	key, owner := newOwner(t)
	fc := newFakeChain()
	up := &fakeUploader{}

	progress := model.NewProgress()
	for _, s := range model.Steps[:3] {
		require.NoError(t, progress.Complete(s))
	}
	wf, err := New(Request{Label: "nina", Owner: crypto.PubkeyToAddress(key.PublicKey)},
		Deps{Chain: fc, Balances: funded(t), Uploader: up}, testConfig(), nil)
	require.NoError(t, err)
	wf.Restore(common.Address{}, progress, "ipfs://QmEarlier")

	require.NoError(t, wf.Run(context.Background(), owner))
	assert.Equal(t, []string{"setText:avatar"}, fc.methods())
	assert.Equal(t, "ipfs://QmEarlier", fc.calls[0].value)
	assert.Zero(t, up.calls)
}
