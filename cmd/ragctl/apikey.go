package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/auth"
)

func newAPIKeyCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "apikey [id]",
		Short: "Generate an API key and the config entry that accepts it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case auth.RoleAdmin, auth.RoleTuner, auth.RoleUser:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			key, hash, err := auth.GenerateAPIKey(args[0])
			if err != nil {
				return err
			}
			entry, err := yaml.Marshal(map[string]any{
				"auth": map[string]any{
					"api_keys": []map[string]string{{"id": args[0], "hash": hash, "role": role}},
				},
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successStyle.Render("API key (shown once):"))
			fmt.Fprintln(out, key)
			fmt.Fprintln(out)
			fmt.Fprintln(out, dimStyle.Render("# add to the service config"))
			fmt.Fprint(out, string(entry))
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "role granted to the key (admin, tuner, user)")
	return cmd
}
