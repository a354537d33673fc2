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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/practable/rtmonitor/internal/reconws"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "connect to a monitor, subscribe, and print what arrives",
	Long: `Connect to a monitor as a client, subscribe with the given filters,
and print every message received to stdout, one per line. Set the
parameters with environment variables, for example

export RTMONITOR_LISTEN_URL=ws://localhost:8080/vehicles
export RTMONITOR_LISTEN_ORIGIN=http://localhost
export RTMONITOR_LISTEN_TOKEN=$(rtmonitor token)
export RTMONITOR_LISTEN_FILTERS='[{"test":"=","key":"vehicle_id","value":"A"}]'
rtmonitor listen

RTMONITOR_LISTEN_FILTERS defaults to [] which matches every record.
The connection is re-established, with a fresh subscription, if it drops.
`,
	Run: func(cmd *cobra.Command, args []string) {

		v := viper.New()
		v.SetEnvPrefix("RTMONITOR_LISTEN")
		v.AutomaticEnv()

		v.SetDefault("filters", "[]")
		v.SetDefault("client_id", "rtmonitor-listen")

		URL := v.GetString("url")
		origin := v.GetString("origin")
		token := v.GetString("token")
		filters := v.GetString("filters")
		clientID := v.GetString("client_id")

		if URL == "" {
			fmt.Println("RTMONITOR_LISTEN_URL not set")
			os.Exit(1)
		}
		if token == "" {
			fmt.Println("RTMONITOR_LISTEN_TOKEN not set")
			os.Exit(1)
		}
		if !json.Valid([]byte(filters)) {
			fmt.Println("RTMONITOR_LISTEN_FILTERS is not valid JSON")
			os.Exit(1)
		}

		connect, err := json.Marshal(map[string]interface{}{
			"msg_type": "rt_connect",
			"client_data": map[string]string{
				"rt_token":       token,
				"rt_client_id":   clientID,
				"rt_client_name": "rtmonitor listen",
			},
		})
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		subscribe, err := json.Marshal(map[string]interface{}{
			"msg_type":   "rt_subscribe",
			"request_id": uuid.NewString(),
			"filters":    json.RawMessage(filters),
		})
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			cancel()
		}()

		r := reconws.New()
		if origin != "" {
			r = r.WithOrigin(origin)
		}

		// the server handles a connection's messages in order, so the
		// subscription is only seen once the connect has been answered
		r.Greeting = []reconws.WsMessage{
			{Data: connect, Type: websocket.TextMessage},
			{Data: subscribe, Type: websocket.TextMessage},
		}

		go r.Reconnect(ctx, URL)

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-r.In:
				fmt.Println(string(msg.Data))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
