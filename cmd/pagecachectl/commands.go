package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/folio-labs/pagecache/internal/cache"
	"github.com/folio-labs/pagecache/internal/generation"
	"github.com/folio-labs/pagecache/internal/notify"
	"github.com/spf13/cobra"
)

// app holds what the commands need from the outside world.
type app struct {
	openStore func(ctx context.Context) (cache.Store, error)
	client    *http.Client
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pagecachectl",
		Short:        "pagecache administration tool",
		SilenceUsage: true,
	}

	namespacesCmd := &cobra.Command{
		Use:   "namespaces",
		Short: "List the namespaces in the store",
		Args:  cobra.NoArgs,
		RunE:  a.listNamespaces,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge [namespace...]",
		Short: "Delete namespaces from the store",
		Long: "Delete the named namespaces. With --keep, delete every namespace " +
			"except the one given, as activation of that generation would.",
		RunE: a.purge,
	}
	purgeCmd.Flags().String("keep", "", "delete every namespace except this one")

	matchCmd := &cobra.Command{
		Use:   "match <namespace> <url>",
		Short: "Look up the stored response for a request",
		Args:  cobra.ExactArgs(2),
		RunE:  a.match,
	}
	matchCmd.Flags().String("method", http.MethodGet, "request method")
	matchCmd.Flags().Bool("body", false, "print the stored body")

	pushCmd := &cobra.Command{
		Use:   "push <text>",
		Short: "Send a push message to a running service",
		Args:  cobra.ExactArgs(1),
		RunE:  a.push,
	}
	pushCmd.Flags().String("server", envOr("PAGECACHE_SERVER_URL", "http://localhost:8080"), "service base URL")

	rootCmd.AddCommand(namespacesCmd, purgeCmd, matchCmd, pushCmd)

	return rootCmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func (a *app) withStore(ctx context.Context, fn func(cache.Store) error) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	return fn(store)
}

func (a *app) listNamespaces(cmd *cobra.Command, _ []string) error {
	return a.withStore(cmd.Context(), func(store cache.Store) error {
		names, err := store.Namespaces(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing namespaces: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAMESPACE\tPREFIX\tGENERATION")
		for _, ns := range names {
			prefix, gen, ok := generation.Parse(ns)
			if !ok {
				fmt.Fprintf(w, "%s\t-\t-\n", ns)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\n", ns, prefix, gen)
		}
		return w.Flush()
	})
}

func (a *app) purge(cmd *cobra.Command, args []string) error {
	keep, _ := cmd.Flags().GetString("keep")
	if keep == "" && len(args) == 0 {
		return fmt.Errorf("name the namespaces to delete or pass --keep")
	}
	if keep != "" && len(args) > 0 {
		return fmt.Errorf("--keep cannot be combined with namespace arguments")
	}

	ctx := cmd.Context()
	return a.withStore(ctx, func(store cache.Store) error {
		targets := make([]cache.Namespace, 0, len(args))
		for _, arg := range args {
			targets = append(targets, cache.Namespace(arg))
		}

		if keep != "" {
			names, err := store.Namespaces(ctx)
			if err != nil {
				return fmt.Errorf("listing namespaces: %w", err)
			}
			if !slices.Contains(names, cache.Namespace(keep)) {
				return fmt.Errorf("namespace %s not found, refusing to delete the others", keep)
			}
			for _, ns := range names {
				if ns != cache.Namespace(keep) {
					targets = append(targets, ns)
				}
			}
		}

		out := cmd.OutOrStdout()
		for _, ns := range targets {
			deleted, err := store.Delete(ctx, ns)
			if err != nil {
				return fmt.Errorf("deleting %s: %w", ns, err)
			}
			if deleted {
				fmt.Fprintf(out, "deleted %s\n", ns)
			} else {
				fmt.Fprintf(out, "not found %s\n", ns)
			}
		}
		return nil
	})
}

func (a *app) match(cmd *cobra.Command, args []string) error {
	method, _ := cmd.Flags().GetString("method")
	showBody, _ := cmd.Flags().GetBool("body")

	req, err := http.NewRequest(strings.ToUpper(method), args[1], nil)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if !req.URL.IsAbs() {
		return fmt.Errorf("url must be absolute: %s", args[1])
	}

	ctx := cmd.Context()
	return a.withStore(ctx, func(store cache.Store) error {
		ns := cache.Namespace(args[0])

		// Open would create a missing namespace
		names, err := store.Namespaces(ctx)
		if err != nil {
			return fmt.Errorf("listing namespaces: %w", err)
		}
		if !slices.Contains(names, ns) {
			return fmt.Errorf("namespace %s not found", ns)
		}

		handle, err := store.Open(ctx, ns)
		if err != nil {
			return fmt.Errorf("opening namespace: %w", err)
		}

		key := cache.KeyFor(req)
		resp, found, err := handle.Match(ctx, key)
		if err != nil {
			return fmt.Errorf("matching %s: %w", key, err)
		}
		if !found {
			return fmt.Errorf("no entry for %s in %s", key, ns)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key:    %s\n", key)
		fmt.Fprintf(out, "status: %d\n", resp.Status)
		fmt.Fprintf(out, "type:   %s\n", resp.Type)
		fmt.Fprintf(out, "size:   %d\n", len(resp.Body))
		for _, name := range slices.Sorted(maps.Keys(resp.Header)) {
			fmt.Fprintf(out, "header: %s: %s\n", name, strings.Join(resp.Header[name], ", "))
		}
		if showBody {
			fmt.Fprintln(out)
			_, err := out.Write(resp.Body)
			return err
		}
		return nil
	})
}

func (a *app) push(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")

	endpoint, err := url.JoinPath(server, "/_pagecache/push")
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, strings.NewReader(args[0]))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending push: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("push rejected (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("push rejected (%d)", resp.StatusCode)
	}

	var n notify.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("decoding notification: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "shown %s: %s\n", n.ID, n.Body)
	return nil
}
