/*
   envmon monitors an environmental sensor and pump over a serial link
   Copyright (C) 2024 envmon authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "envmon",
	Short: "environmental monitor with live updates",
	Long: `envmon reads temperature and humidity from a serial device, stores
them, and streams them live to browsers. It can also run the device's pump.
Settings come from ENVMON_* environment variables; see envmon serve --help.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig - no config file; use ENV variables where available e.g. export ENVMON_LISTEN=:3000
func initConfig() {
	viper.SetEnvPrefix("ENVMON")
	viper.AutomaticEnv() // read in environment variables that match
}
