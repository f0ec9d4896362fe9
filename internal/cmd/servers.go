package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/orchestra-dev/orchestra/internal/mcp"
)

// CmdServers creates the servers command group for managing registered
// tool servers.
func CmdServers() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage registered tool servers",
	}
	cmd.AddCommand(cmdServersList())
	cmd.AddCommand(cmdServersRegister())
	cmd.AddCommand(cmdServersRemove())
	return cmd
}

func cmdServersList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tool servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer ctx.Close()

			servers, err := ctx.Repo.LoadServers(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tSTATUS\tTOOLS\tERROR")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, s.Transport.Type, s.Status, len(s.Tools), s.Error)
			}
			return w.Flush()
		},
	}
}

func cmdServersRegister() *cobra.Command {
	return &cobra.Command{
		Use:   "register <server file>",
		Short: "Register a tool server from a YAML descriptor and connect to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer ctx.Close()

			server, err := loadServerFile(args[0])
			if err != nil {
				return err
			}
			if err := ctx.MCP.Register(ctx, server); err != nil {
				return err
			}
			// Register already connected when the descriptor asks for it.
			if !server.AutoConnect {
				if err := ctx.MCP.Connect(ctx, server.ID); err != nil {
					return fmt.Errorf("registered %s but connect failed: %w", server.ID, err)
				}
			}

			registered, err := ctx.MCP.Server(server.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s connected (%d tools)\n", registered.ID, len(registered.Tools))
			return nil
		},
	}
}

func cmdServersRemove() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <server id>",
		Short: "Disconnect and unregister a tool server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer ctx.Close()

			if err := ctx.MCP.Unregister(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
			return nil
		},
	}
}

// loadServerFile decodes a server descriptor the same way workflow
// definitions decode: YAML into a generic map, then json-tagged fields.
func loadServerFile(path string) (*mcp.RegisteredServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse server file: %w", err)
	}

	var server mcp.RegisteredServer
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &server,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode server file: %w", err)
	}
	if server.ID == "" {
		return nil, fmt.Errorf("server file %s: id is required", path)
	}
	return &server, nil
}
