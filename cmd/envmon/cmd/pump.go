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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/practable/envmon/internal/access"
	"github.com/practable/envmon/internal/models"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "run the pump on a monitor",
	Long: `Pump logs in to a running monitor and asks it to run the pump.
Set parameters with flags or environment variables, for example:

export ENVMON_URL=http://localhost:3000
export ENVMON_PASSWORD=somesecret
envmon pump --time 10
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("url", "http://localhost:3000")

		url := viper.GetString("url")
		password := viper.GetString("password")
		seconds := viper.GetInt("time")

		if _, err := models.ParsePumpCommand(fmt.Sprintf("%d", seconds)); err != nil {
			fmt.Printf("--time must be between %d and %d seconds, not %d\n", models.MinPumpTime, models.MaxPumpTime, seconds)
			os.Exit(1)
		}

		client, err := access.NewClient(url)

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if password != "" {
			if err := client.Login(ctx, password); err != nil {
				fmt.Println("login failed: " + err.Error())
				os.Exit(1)
			}
		}

		if err := client.Pump(ctx, seconds); err != nil {
			fmt.Println("pump failed: " + err.Error())
			os.Exit(1)
		}

		fmt.Printf("pump running for %d seconds\n", seconds)
	},
}

func init() {
	rootCmd.AddCommand(pumpCmd)
	pumpCmd.Flags().String("url", "http://localhost:3000", "monitor base URL")
	pumpCmd.Flags().String("password", "", "monitor password, if one is set")
	pumpCmd.Flags().Int("time", 0, "seconds to run the pump for")
	viper.BindPFlag("url", pumpCmd.Flags().Lookup("url"))
	viper.BindPFlag("password", pumpCmd.Flags().Lookup("password"))
	viper.BindPFlag("time", pumpCmd.Flags().Lookup("time"))
}
