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
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/practable/rtmonitor/internal/bus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "publish an envelope to a feed address",
	Long: `Publish the JSON envelope in a file (or stdin) to a feed address, either
directly onto a bus, or via the /publish endpoint of a running server.
Set the parameters with environment variables, for example

export RTMONITOR_PUBLISH_ADDRESS=vehicles
export RTMONITOR_PUBLISH_FILE=vehicles.json
export RTMONITOR_PUBLISH_URL=http://localhost:8080
rtmonitor publish

or, to publish onto a broker instead,

export RTMONITOR_PUBLISH_BUS=nats://127.0.0.1:4222
rtmonitor publish

Set RTMONITOR_PUBLISH_EVERY=1s to repeat until interrupted.
RTMONITOR_PUBLISH_FILE defaults to stdin.
`,
	Run: func(cmd *cobra.Command, args []string) {

		v := viper.New()
		v.SetEnvPrefix("RTMONITOR_PUBLISH")
		v.AutomaticEnv()

		v.SetDefault("file", "stdin")
		v.SetDefault("every", "0s")
		v.SetDefault("bus_name", "rtmonitor-publish")

		address := v.GetString("address")
		file := v.GetString("file")
		URL := v.GetString("url")
		busURL := v.GetString("bus")
		busName := v.GetString("bus_name")
		every := v.GetDuration("every")

		if address == "" {
			fmt.Println("RTMONITOR_PUBLISH_ADDRESS not set")
			os.Exit(1)
		}
		if URL == "" && busURL == "" {
			fmt.Println("set one of RTMONITOR_PUBLISH_URL or RTMONITOR_PUBLISH_BUS")
			os.Exit(1)
		}

		var data []byte
		var err error

		if strings.ToLower(file) == "stdin" || file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(file)
		}

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		if !gjson.ValidBytes(data) {
			fmt.Println("envelope is not valid JSON")
			os.Exit(1)
		}

		var p bus.Publisher

		if busURL != "" {
			b, err := bus.Open(busURL, busName)
			if err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			if _, ok := b.(*bus.Hub); ok {
				fmt.Println("RTMONITOR_PUBLISH_BUS must name an external broker")
				os.Exit(1)
			}
			defer b.Close()
			p = b
		} else {
			p = httpPublisher{base: strings.TrimRight(URL, "/")}
		}

		if every <= 0 {
			if err := p.Publish(address, data); err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			return
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)

		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			if err := p.Publish(address, data); err != nil {
				fmt.Println(err)
			}
			select {
			case <-c:
				return
			case <-ticker.C:
			}
		}
	},
}

// httpPublisher posts envelopes to a server's /publish endpoint
type httpPublisher struct {
	base string
}

func (h httpPublisher) Publish(address string, data []byte) error {

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Post(h.base+"/publish/"+address, "application/json", bytes.NewReader(data))

	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("publish failed: %s %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return nil
}

func init() {
	rootCmd.AddCommand(publishCmd)
}
