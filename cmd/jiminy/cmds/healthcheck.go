package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/jiminy/pkg/apiclient"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the backend health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiclient.NewClient(cfg.BackendURL).Health(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("status:    %s\n", st.Status)
		fmt.Printf("version:   %s\n", st.Version)
		fmt.Printf("timestamp: %s\n", st.Timestamp.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("database:  %s\n", st.Database)
		fmt.Printf("redis:     %s\n", st.Redis)

		if st.Status != "ok" {
			return errors.Errorf("backend is unhealthy: %s", st.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}
