package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/okapilab/keeper/internal/client"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions on a running Keeper server",
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		sessions, err := c.ListSessions()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tWORKING DIR\tPENDING")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				s.ID, s.Name, s.State, s.WorkingDir, s.PendingOutputs)
		}
		return w.Flush()
	},
}

var newSessionName string

var sessionsNewCmd = &cobra.Command{
	Use:   "new <working-dir>",
	Short: "Create a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		info, err := c.CreateSession(client.CreateSessionRequest{
			Name:       newSessionName,
			WorkingDir: args[0],
		})
		if err != nil {
			return err
		}
		fmt.Println(info.ID)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := client.New(serverURL).GetSession(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", info.ID)
		fmt.Fprintf(w, "Name:\t%s\n", info.Name)
		fmt.Fprintf(w, "State:\t%s\n", info.State)
		fmt.Fprintf(w, "Working dir:\t%s\n", info.WorkingDir)
		fmt.Fprintf(w, "Pending outputs:\t%d\n", info.PendingOutputs)
		if len(info.PendingPermission) > 0 {
			fmt.Fprintf(w, "Pending permission:\t%s\n", info.PendingPermission)
		}
		fmt.Fprintf(w, "Last activity:\t%s\n", info.LastActivity.Format("2006-01-02 15:04:05"))
		return w.Flush()
	},
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Ask a session's agent to terminate gracefully",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.New(serverURL).StopSession(args[0])
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:     "delete <session-id>",
	Aliases: []string{"rm"},
	Short:   "Terminate a session and remove its snapshot",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.New(serverURL).DeleteSession(args[0])
	},
}

func init() {
	sessionsNewCmd.Flags().StringVar(&newSessionName, "name", "", "human-readable session name")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsNewCmd, sessionsShowCmd,
		sessionsStopCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}
