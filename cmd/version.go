package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/devicehub/version"
)

var (
	_versionAsJSON bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version number of the tool",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doVersion()
	},
}

func init() {
	versionCmd.Flags().BoolVar(&_versionAsJSON, "json", false, "Return version as JSON")
	errPanic(viper.GetViper().BindPFlag("version.json", versionCmd.Flags().Lookup("json")))

	rootCmd.AddCommand(versionCmd)
}

type versionResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func doVersion() error {
	if !viper.GetBool("version.json") {
		fmt.Printf("devicehub version %s\n", version.Version)
		return nil
	}

	b, err := json.MarshalIndent(versionResult{Name: "devicehub", Version: version.Version}, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
