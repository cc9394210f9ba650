package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	clientScopes []string
	clientYes    bool
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Manage API clients",
	Long:  "Manage client credentials for API authentication",
}

var clientsAddCmd = &cobra.Command{
	Use:   "add <label>",
	Short: "Add a new client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		client, secret, err := services.AuthService.CreateClient(cmd.Context(), args[0], clientScopes)
		if err != nil {
			return fmt.Errorf("failed to create client: %w", err)
		}

		fmt.Println("Client created successfully")
		fmt.Printf("Client ID: %s\n", client.ID)
		fmt.Printf("Client Secret: %s\n", secret)
		fmt.Printf("Scopes: %s\n", strings.Join(client.Scopes, ","))
		fmt.Println("\nIMPORTANT: Save the client secret now. It will not be shown again!")
		return nil
	},
}

var clientsDeleteCmd = &cobra.Command{
	Use:   "delete <client-id>",
	Short: "Delete a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID := args[0]

		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		if !clientYes {
			fmt.Printf("Are you sure you want to delete client '%s'? (yes/no): ", clientID)
			var confirm string
			fmt.Scanln(&confirm)
			if confirm != "yes" {
				fmt.Println("Cancelled")
				return nil
			}
		}

		if err := services.AuthService.DeleteClient(cmd.Context(), clientID); err != nil {
			return fmt.Errorf("failed to delete client: %w", err)
		}

		fmt.Printf("Client '%s' deleted successfully\n", clientID)
		return nil
	},
}

var clientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := initServices(cmd.Context())
		if err != nil {
			return err
		}
		defer services.Close()

		clients, err := services.AuthService.ListClients(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list clients: %w", err)
		}

		if len(clients) == 0 {
			fmt.Println("No clients found")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "CLIENT ID\tLABEL\tSCOPES\tCREATED AT")
		for _, client := range clients {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				client.ID,
				client.Label,
				strings.Join(client.Scopes, ","),
				client.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(clientsCmd)
	clientsCmd.AddCommand(clientsAddCmd)
	clientsCmd.AddCommand(clientsDeleteCmd)
	clientsCmd.AddCommand(clientsListCmd)

	clientsAddCmd.Flags().StringSliceVar(&clientScopes, "scope", nil, "scopes to grant: read, control or all (default read)")
	clientsDeleteCmd.Flags().BoolVarP(&clientYes, "yes", "y", false, "skip the confirmation prompt")
}
