package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/elara-app/elara-go/internal/chain"
	"github.com/elara-app/elara-go/internal/endpoint"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/gateway"
	"github.com/elara-app/elara-go/internal/model"
	"github.com/elara-app/elara-go/internal/registration"
	"github.com/elara-app/elara-go/internal/session"
	"github.com/elara-app/elara-go/internal/upload"
)

var (
	registerCommand = &cli.Command{
		Name:      "register",
		Usage:     "Registers an agent name and writes its records",
		ArgsUsage: "label",
		Flags: append([]cli.Flag{
			keyFlag, callerFlag, avatarFlag, uploadURLFlag, minBalanceFlag, pollFlag, attemptsFlag,
		}, chainFlags...),
		Action: register,
	}
	chatCommand = &cli.Command{
		Name:      "chat",
		Usage:     "Chats with the agent served at a hostname, one stdin line per message",
		ArgsUsage: "hostname",
		Flags:     []cli.Flag{keyFlag, defaultBaseURLFlag, vmTemplateFlag, rpcFlag, chainIDFlag, registryFlag, registrarFlag, systemFlag},
		Action:    chat,
	}
)

var (
	callerFlag = &cli.StringSliceFlag{
		Name:  "caller",
		Usage: "Address allowed to call the agent besides the owner (repeatable)",
	}
	avatarFlag = &cli.PathFlag{
		Name:  "avatar",
		Usage: "Image file uploaded as the agent avatar",
	}
	uploadURLFlag = &cli.StringFlag{
		Name:    "upload-url",
		Usage:   "Content storage service for avatars",
		Value:   "http://localhost:8000",
		EnvVars: []string{"ELARA_UPLOAD_URL"},
	}
	minBalanceFlag = &cli.StringFlag{
		Name:  "min-balance",
		Usage: "Agent balance in ether required before registering",
		Value: registration.DefaultMinBalance,
	}
	pollFlag = &cli.DurationFlag{
		Name:  "poll",
		Usage: "Agent balance poll interval",
		Value: registration.DefaultPollInterval,
	}
	attemptsFlag = &cli.IntFlag{
		Name:  "attempts",
		Usage: "Registration attempts before giving up",
		Value: registration.DefaultMaxAttempts,
	}
	systemFlag = &cli.StringFlag{
		Name:  "system",
		Usage: "System message sent first",
	}
)

func register(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("need a label as argument")
	}
	owner, err := loadWallet(ctx)
	if err != nil {
		return err
	}
	ownerAddr, err := owner.Account()
	if err != nil {
		return err
	}
	minBalance, err := chain.ParseEther(ctx.String(minBalanceFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", minBalanceFlag.Name, err)
	}
	avatar, err := readAvatar(ctx.Path(avatarFlag.Name))
	if err != nil {
		return err
	}

	client, registry, err := dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	deps := registration.Deps{Chain: registry, Balances: client}
	if avatar != nil {
		if deps.Uploader, err = upload.New(ctx.String(uploadURLFlag.Name)); err != nil {
			return err
		}
	}

	n := naming(ctx)
	w := ctx.App.Writer
	observer := registration.ObserverFunc(func(e registration.Event) {
		snap := e.Snapshot
		switch e.Kind {
		case model.EventState:
			fmt.Fprintf(w, "state: %s\n", snap.State)
			if snap.State == model.StateFunding && e.Detail["agentAddress"] != nil {
				fmt.Fprintf(w, "send at least %s ETH to agent wallet %s\n", chain.FormatEther(minBalance, 6), snap.AgentAddress.Hex())
			}
		case model.EventBalance:
			fmt.Fprintf(w, "balance: %s ETH\n", e.Detail["balance"])
		case model.EventStep:
			fmt.Fprintf(w, "step %s: %v\n", e.Detail["step"], e.Detail["status"])
		case model.EventFailure:
			fmt.Fprintf(w, "failed: %v\n", e.Detail["error"])
		}
	})

	wf, err := registration.New(registration.Request{
		Label:          ctx.Args().First(),
		Owner:          ownerAddr,
		AllowedCallers: ctx.StringSlice(callerFlag.Name),
		Avatar:         avatar,
	}, deps, registration.Config{
		Naming:       n,
		MinBalance:   minBalance,
		PollInterval: ctx.Duration(pollFlag.Name),
		SettleDelay:  registration.DefaultSettleDelay,
		MaxAttempts:  ctx.Int(attemptsFlag.Name),
	}, observer)
	if err != nil {
		return err
	}
	if err := wf.Run(ctx.Context, owner); err != nil {
		return err
	}
	label := strings.ToLower(strings.TrimSpace(ctx.Args().First()))
	fmt.Fprintf(w, "deployed %s at https://%s%s%s\n", wf.Name(), label, n.NameSuffix, n.GatewaySuffix)
	return nil
}

func readAvatar(path string) (*upload.Image, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read avatar: %w", err)
	}
	if len(data) > upload.MaxImageSize {
		return nil, fmt.Errorf("avatar must be %d bytes or smaller", upload.MaxImageSize)
	}
	return &upload.Image{Filename: filepath.Base(path), Data: data}, nil
}

func chat(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("need a hostname as argument")
	}
	host := ctx.Args().First()
	owner, err := loadWallet(ctx)
	if err != nil {
		return err
	}
	client, registry, err := dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sess := session.Open(owner)
	defer sess.Close()
	if err := sess.SignIn(ctx.Context); err != nil {
		return err
	}
	address, signature, err := sess.Credentials()
	if err != nil {
		return err
	}

	cache := endpoint.NewCache(host, ens.NewResolver(naming(ctx), registry, nil), endpoint.Options{
		DefaultBaseURL: ctx.String(defaultBaseURLFlag.Name),
		VMURLTemplate:  ctx.String(vmTemplateFlag.Name),
	})

	var history []model.Message
	if sys := ctx.String(systemFlag.Name); sys != "" {
		history = append(history, model.Message{Role: model.RoleSystem, Content: sys})
	}
	c := &conversation{
		gw:        gateway.New(),
		ep:        cache,
		address:   address,
		signature: signature,
		history:   history,
	}
	return c.run(ctx.Context, ctx.App.Reader, ctx.App.Writer, ctx.App.ErrWriter)
}

// conversation keeps the chat history sent to one agent. The backend
// answers with the new turns only; they are appended after the user turn.
type conversation struct {
	gw        *gateway.Client
	ep        gateway.Endpoint
	address   string
	signature string
	history   []model.Message
}

// run sends each non-empty input line as a user turn and prints the last
// reply. A failed turn is reported and left out of the history; an
// authorization failure ends the chat.
func (c *conversation) run(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		next := append(slices.Clip(c.history), model.Message{Role: model.RoleUser, Content: text})
		reply, err := c.gw.Generate(ctx, c.ep, next, c.address, c.signature)
		if err != nil {
			if gateway.IsAuthorizationError(err) {
				return err
			}
			fmt.Fprintf(errOut, "error: %v\n", err)
			continue
		}
		c.history = append(next, reply...)
		if len(reply) > 0 {
			fmt.Fprintln(out, reply[len(reply)-1].Content)
		}
	}
	return scanner.Err()
}
