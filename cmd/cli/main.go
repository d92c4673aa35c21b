// Command nb is a CLI client for the neodb-bridge HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/neodb-bridge/internal/errs"
)

const defaultServer = "http://localhost:8080"

var (
	version   = "dev"
	buildDate = "unknown"
)

// globals are the connection flags shared by every command.
type globals struct {
	server   string
	caPath   string
	insecure bool
	timeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "nb",
		Short:        "Sign in to NeoDB through the bridge and harvest your shelves",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", defaultServer, "bridge base URL")
	pf.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&g.insecure, "insecure", false, "skip cert verify (dev)")
	pf.DurationVar(&g.timeout, "timeout", 10*time.Minute, "overall command timeout")

	root.AddCommand(
		newLoginCmd(g),
		newLogoutCmd(g),
		newRevealCmd(g),
		newHarvestCmd(g),
	)
	return root
}

// client builds an authenticated API client from the saved session.
func (g *globals) client() (*apiClient, error) {
	tf, err := loadToken()
	if err != nil {
		return nil, err
	}
	server := g.server
	if tf.Server != "" && server == defaultServer {
		server = tf.Server
	}
	return newAPIClient(server, g.caPath, g.insecure, tf.AccessToken)
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func newLoginCmd(g *globals) *cobra.Command {
	var instance, token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Print the sign-in URL for an instance, or save a session token",
		Long: `Without --token, prints the URL that starts sign-in with the given instance.
After signing in, copy the session token and run: nb login --token <token|->`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				if instance == "" {
					return fmt.Errorf("need --instance or --token")
				}
				q := url.Values{"instance": {instance}}
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(g.server, "/")+"/api/auth/neodb/start?"+q.Encode())
				return nil
			}
			if token == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				token = strings.TrimSpace(string(b))
			}
			tf := tokenFile{Server: g.server, AccessToken: token, ExpiresAt: sessionExpiry(token, 7*24*time.Hour)}
			if err := saveToken(tf); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "NeoDB instance, e.g. neodb.social")
	cmd.Flags().StringVarP(&token, "token", "t", "", "session token, or - to read stdin")
	return cmd
}

func newLogoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and redact linked-account tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			rep, err := c.signOut(ctx)
			if err != nil && !isCode(err, errs.Unauthorized) {
				return err
			}
			if err := removeToken(); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func newRevealCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reveal",
		Short: "Print the NeoDB access token while the reveal window is open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			tok, err := c.reveal(ctx)
			if isCode(err, errs.ReauthRequired) {
				return fmt.Errorf("token no longer revealable; sign in again: %w", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func newHarvestCmd(g *globals) *cobra.Command {
	h := &cobra.Command{
		Use:   "harvest",
		Short: "Collect shelf marks for a year",
	}

	var year int
	var pause time.Duration
	run := &cobra.Command{
		Use:   "run",
		Short: "Start or resume a harvest and step it to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			total, err := runHarvest(ctx, c, year, pause, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collected %d marks\n", total)
			return nil
		},
	}
	run.Flags().IntVarP(&year, "year", "y", time.Now().Year(), "target year")
	run.Flags().DurationVar(&pause, "pause", 0, "delay between steps")

	var startYear int
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a harvest and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(g, cmd, func(ctx context.Context, c *apiClient) error {
				id, err := c.startHarvest(ctx, startYear)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	start.Flags().IntVarP(&startYear, "year", "y", time.Now().Year(), "target year")

	step := &cobra.Command{
		Use:   "step <id>",
		Short: "Fetch one page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, cmd, func(ctx context.Context, c *apiClient) error {
				v, err := c.stepHarvest(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show task progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, cmd, func(ctx context.Context, c *apiClient) error {
				v, err := c.harvestStatus(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	finalize := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Delete a completed task and print its total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(g, cmd, func(ctx context.Context, c *apiClient) error {
				n, err := c.finalizeHarvest(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	h.AddCommand(run, start, step, status, finalize)
	return h
}

func withClient(g *globals, cmd *cobra.Command, fn func(context.Context, *apiClient) error) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := g.context(cmd)
	defer cancel()
	return fn(ctx, c)
}

// runHarvest steps a task until it completes, then finalizes it.
// Lost step races are retried.
func runHarvest(ctx context.Context, c *apiClient, year int, pause time.Duration, out io.Writer) (int, error) {
	id, err := c.startHarvest(ctx, year)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(out, "task %s\n", id)
	for {
		v, err := c.stepHarvest(ctx, id)
		switch {
		case isCode(err, errs.Conflict):
		case err != nil:
			return 0, err
		default:
			fmt.Fprintf(out, "%3d%% %-9s page %-3d +%d\n", v.Task.Percent, v.Task.Category, v.Task.Page, v.Written)
			if v.Done {
				return c.finalizeHarvest(ctx, id)
			}
		}
		if pause > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(pause):
			}
		}
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
