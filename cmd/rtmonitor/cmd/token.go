/*
   rtmonitor pushes filtered real-time feed state to websocket clients
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

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
	"strings"
	"time"

	"github.com/practable/rtmonitor/internal/rttoken"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "rtmonitor token generates a new token for connecting to a monitor",
	Long: `Set the operating parameters with environment variables, for example

export RTMONITOR_TOKEN_LIFETIME=3600
export RTMONITOR_TOKEN_ORIGINS='https://.*\.example\.org,http://localhost:.*'
export RTMONITOR_TOKEN_USES=1
export RTMONITOR_TOKEN_SECRET=somesecret
token=$(rtmonitor token)

Origins are comma-separated regular expressions, each of which must match
the whole Origin header of the connecting client. Uses limits how many
clients may be connected with the token at once; zero means no limit.
`,

	Run: func(cmd *cobra.Command, args []string) {

		v := viper.New()
		v.SetEnvPrefix("RTMONITOR_TOKEN")
		v.AutomaticEnv()

		v.SetDefault("uses", 0)

		lifetime := v.GetInt64("lifetime")
		origins := v.GetString("origins")
		secret := v.GetString("secret")
		uses := v.GetInt("uses")

		// check inputs

		if lifetime <= 0 {
			fmt.Println("RTMONITOR_TOKEN_LIFETIME not set")
			os.Exit(1)
		}
		if secret == "" {
			fmt.Println("RTMONITOR_TOKEN_SECRET not set")
			os.Exit(1)
		}
		if origins == "" {
			fmt.Println("RTMONITOR_TOKEN_ORIGINS not set")
			os.Exit(1)
		}
		if uses < 0 {
			fmt.Println("RTMONITOR_TOKEN_USES cannot be negative")
			os.Exit(1)
		}

		var patterns []string

		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				patterns = append(patterns, o)
			}
		}

		iat := time.Now().Add(-time.Second) //ensure immediately usable
		exp := iat.Add(time.Duration(lifetime) * time.Second)

		token, err := rttoken.Sign(rttoken.NewClaims(patterns, uses, iat, exp), secret)

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(token)
		os.Exit(0)

	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
