package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/cashsync/internal/cashsync"
)

func (a *app) shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage worksheet sharing",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			grants, err := s.engine.RefreshGrants(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(grants)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "code CODE",
		Short: "Register the share code others use to invite you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			code := strings.TrimSpace(args[0])
			if code == "" {
				return errors.New("code must not be empty")
			}
			return s.client.RegisterCode(cmd.Context(), code, a.userID)
		},
	})

	var role string
	invite := &cobra.Command{
		Use:   "invite CODE",
		Short: "Invite the user registered under CODE to your worksheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cashsync.Role(strings.ToLower(role))
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			grant, err := s.engine.SendInvite(cmd.Context(), args[0], r)
			if err != nil {
				return err
			}
			return a.printJSON(grant)
		},
	}
	invite.Flags().StringVar(&role, "role", string(cashsync.RoleViewer), "viewer or editor")
	cmd.AddCommand(invite)

	var reject bool
	var narrow string
	respond := &cobra.Command{
		Use:   "respond GRANT_ID",
		Short: "Accept (or --reject) a pending invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cashsync.Role(strings.ToLower(narrow))
			if r != "" && !r.Valid() {
				return fmt.Errorf("unknown role %q", narrow)
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			grant, err := s.engine.RespondToInvite(cmd.Context(), args[0], !reject, r)
			if err != nil {
				return err
			}
			return a.printJSON(grant)
		},
	}
	respond.Flags().BoolVar(&reject, "reject", false, "reject instead of accepting")
	respond.Flags().StringVar(&narrow, "role", "", "accept with a narrower role")
	cmd.AddCommand(respond)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke GRANT_ID",
		Short: "Revoke a grant you sent or received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			grant, err := s.engine.RevokeGrant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(grant)
		},
	})
	return cmd
}
