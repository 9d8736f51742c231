package display

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

// ShouldOutputJSON reports whether a command should print JSON instead of a
// table: an explicit --json flag wins, otherwise SEGPULSE_JSON=1 selects it.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			on, _ := cmd.Flags().GetBool("json")
			return on
		}
		if f := cmd.Root().PersistentFlags().Lookup("json"); f != nil && f.Changed {
			on, _ := cmd.Root().PersistentFlags().GetBool("json")
			return on
		}
	}
	return os.Getenv("SEGPULSE_JSON") == "1"
}

// MarshalJSON pretty-prints for humans
func MarshalJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
