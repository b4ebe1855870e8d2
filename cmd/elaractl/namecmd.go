package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/elara-app/elara-go/internal/contenthash"
	"github.com/elara-app/elara-go/internal/endpoint"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/registration"
)

var (
	namehashCommand = &cli.Command{
		Name:      "namehash",
		Usage:     "Prints the node of a name and the label hash of its first label",
		ArgsUsage: "name",
		Action:    namehash,
	}
	resolveCommand = &cli.Command{
		Name:      "resolve",
		Usage:     "Resolves the agent endpoint and profile served at a hostname",
		ArgsUsage: "hostname",
		Flags:     append([]cli.Flag{defaultBaseURLFlag, vmTemplateFlag}, chainFlags...),
		Action:    resolve,
	}
	availableCommand = &cli.Command{
		Name:      "available",
		Usage:     "Checks that labels are valid and free",
		ArgsUsage: "label...",
		Flags:     chainFlags,
		Action:    available,
	}
	watchCommand = &cli.Command{
		Name:   "watch",
		Usage:  "Reads labels from stdin and reports the availability of the latest one",
		Flags:  append([]cli.Flag{debounceFlag}, chainFlags...),
		Action: watch,
	}
)

var (
	defaultBaseURLFlag = &cli.StringFlag{
		Name:  "default-base-url",
		Usage: "Endpoint used when a host has no VM record",
		Value: endpoint.DefaultBaseURL,
	}
	vmTemplateFlag = &cli.StringFlag{
		Name:  "vm-url-template",
		Usage: "Template turning a VM hash into a base URL",
		Value: endpoint.DefaultVMURLTemplate,
	}
	debounceFlag = &cli.DurationFlag{
		Name:  "debounce",
		Usage: "Idle time before a label is checked",
		Value: registration.DefaultDebounceDelay,
	}
)

func namehash(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("need a name as argument")
	}
	name := strings.ToLower(strings.TrimSpace(ctx.Args().First()))
	label, _, _ := strings.Cut(name, ".")
	fmt.Fprintf(ctx.App.Writer, "node:      %s\n", ens.NameHash(name).Hex())
	fmt.Fprintf(ctx.App.Writer, "labelhash: %s\n", ens.LabelHash(label).Hex())
	return nil
}

func resolve(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("need a hostname as argument")
	}
	host := ctx.Args().First()
	client, registry, err := dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	resolver := ens.NewResolver(naming(ctx), registry, nil)
	cache := endpoint.NewCache(host, resolver, endpoint.Options{
		DefaultBaseURL: ctx.String(defaultBaseURLFlag.Name),
		VMURLTemplate:  ctx.String(vmTemplateFlag.Name),
	})
	baseURL, err := cache.BaseURL(ctx.Context)
	if err != nil {
		return err
	}

	w := ctx.App.Writer
	if name, node, ok := resolver.Lookup(host); ok {
		fmt.Fprintf(w, "name:    %s\nnode:    %s\n", name, node.Hex())
		meta := resolver.Metadata(ctx.Context, host)
		fmt.Fprintf(w, "title:   %s\nabout:   %s\navatar:  %s\n", meta.Name, meta.Description, meta.Avatar)
		if raw, err := registry.Contenthash(ctx.Context, node); err != nil {
			slog.Warn("read content hash failed", "name", name, "error", err)
		} else if len(raw) > 0 {
			fmt.Fprintf(w, "content: %s\n", contentText(raw))
		}
	}
	fmt.Fprintf(w, "baseUrl: %s\n", baseURL)
	callers := cache.AllowedCallers(ctx.Context)
	if len(callers) == 0 {
		fmt.Fprintln(w, "callers: anyone")
	} else {
		fmt.Fprintf(w, "callers: %s\n", strings.Join(callers, ", "))
	}
	return nil
}

// contentText renders an IPFS content hash as ipfs://<cid> and anything
// else as hex.
func contentText(raw []byte) string {
	if text, err := contenthash.Text(raw); err == nil {
		return text
	}
	return hexutil.Encode(raw)
}

func available(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("need at least one label")
	}
	client, registry, err := dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	n := naming(ctx)
	for _, label := range ctx.Args().Slice() {
		printAvailability(ctx, n, registration.Availability{
			Label: label,
			Err:   registration.CheckLabel(ctx.Context, registry, label),
		})
	}
	return nil
}

// watch feeds stdin lines to a debouncer, so only labels left idle for the
// debounce delay are checked.
func watch(ctx *cli.Context) error {
	client, registry, err := dialRegistry(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	d := registration.NewDebouncer(registry, ctx.Duration(debounceFlag.Name))
	defer d.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(ctx.App.Reader)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	n := naming(ctx)
	for {
		select {
		case <-ctx.Context.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Give the last input its chance to be checked.
				select {
				case res := <-d.Results():
					printAvailability(ctx, n, res)
				case <-time.After(ctx.Duration(debounceFlag.Name) + 5*time.Second):
				case <-ctx.Context.Done():
				}
				return nil
			}
			d.Input(line)
		case res := <-d.Results():
			printAvailability(ctx, n, res)
		}
	}
}

func printAvailability(ctx *cli.Context, n ens.Naming, res registration.Availability) {
	name := n.NameForLabel(res.Label)
	if res.Err != nil {
		fmt.Fprintf(ctx.App.Writer, "%s: %v\n", name, res.Err)
		return
	}
	fmt.Fprintf(ctx.App.Writer, "%s: available\n", name)
}
