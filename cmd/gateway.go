package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/mirra/internal/api"
	"procodus.dev/mirra/pkg/macaddr"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Provision and remove gateways through a running backend",
}

var gatewayAddCmd = &cobra.Command{
	Use:   "add <gateway-mac>",
	Short: "Issue an access code for a gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatewayAdd,
}

var gatewayLinkCmd = &cobra.Command{
	Use:   "link <gateway-mac> <access-code>",
	Short: "Claim an access code the way a gateway does and print its pre-shared key",
	Args:  cobra.ExactArgs(2),
	RunE:  runGatewayLink,
}

var gatewayRemoveCmd = &cobra.Command{
	Use:   "remove <gateway-mac>",
	Short: "Remove a gateway, its nodes and its credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatewayRemove,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.AddCommand(gatewayAddCmd, gatewayLinkCmd, gatewayRemoveCmd)

	gatewayCmd.PersistentFlags().String("backend-url", "http://localhost:8080", "backend HTTP address")
	gatewayCmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")

	_ = viper.BindPFlag("gateway.backend_url", gatewayCmd.PersistentFlags().Lookup("backend-url"))
	_ = viper.BindPFlag("gateway.timeout", gatewayCmd.PersistentFlags().Lookup("timeout"))
}

func newAPIClient() (*api.Client, error) {
	return api.NewClient(&api.ClientConfig{
		Logger:  GetLogger("gateway"),
		BaseURL: viper.GetString("gateway.backend_url"),
		Timeout: viper.GetDuration("gateway.timeout"),
	})
}

func runGatewayAdd(cmd *cobra.Command, args []string) error {
	gateway, err := macaddr.Parse(args[0])
	if err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	code, err := client.AddGateway(cmd.Context(), gateway)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), code)
	return err
}

func runGatewayLink(cmd *cobra.Command, args []string) error {
	gateway, err := macaddr.Parse(args[0])
	if err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	psk, err := client.Link(cmd.Context(), gateway, args[1])
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), psk)
	return err
}

func runGatewayRemove(cmd *cobra.Command, args []string) error {
	gateway, err := macaddr.Parse(args[0])
	if err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	return client.RemoveGateway(cmd.Context(), gateway)
}
