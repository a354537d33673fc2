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
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/client9/reopen"
	"github.com/practable/rtmonitor/internal/bus"
	"github.com/practable/rtmonitor/internal/config"
	"github.com/practable/rtmonitor/internal/crossbar"
	"github.com/practable/rtmonitor/internal/rtmonitor"
	"github.com/practable/rtmonitor/internal/rttoken"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve monitors to websocket clients",
	Long: `Serve the monitors described in a config file. Any setting can be
overridden with an environment variable, for example:

export RTMONITOR_CONFIG=/etc/rtmonitor/rtmonitor.yaml
export RTMONITOR_SECRET=somesecret
export RTMONITOR_LISTEN=8080
export RTMONITOR_BUS=nats://127.0.0.1:4222
export RTMONITOR_LOG_LEVEL=warn
export RTMONITOR_LOG_FORMAT=json
export RTMONITOR_LOG_FILE=/var/log/rtmonitor/rtmonitor.log
export RTMONITOR_PURGE_EVERY=60s
export RTMONITOR_PURGE_MAX_AGE=24h
rtmonitor serve

A minimal config file:

monitors:
  - address: vehicles
    http:
      uri: /vehicles
    records_array: request_data
    record_index: vehicle_id

Notes:
RTMONITOR_BUS may be empty (in-process bus, fed by POST /publish/{address}),
nats://, mqtt://, tcp://, ssl://, ws:// or wss://.
Send SIGHUP to reopen the log file after rotation.
`,
	Run: func(cmd *cobra.Command, args []string) {

		c, err := config.Load(viper.GetViper())

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// set up logging
		switch strings.ToLower(c.Log.Level) {
		case "trace":
			log.SetLevel(log.TraceLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "fatal":
			log.SetLevel(log.FatalLevel)
		case "panic":
			log.SetLevel(log.PanicLevel)
		}

		switch strings.ToLower(c.Log.Format) {
		case "json":
			log.SetFormatter(&log.JSONFormatter{})
		case "text":
			log.SetFormatter(&log.TextFormatter{})
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)

		if strings.ToLower(c.Log.File) == "stdout" {

			log.SetOutput(os.Stdout)

		} else {

			fw, err := reopen.NewFileWriter(c.Log.File)

			if err == nil {
				log.SetOutput(fw)
				go reopenOnHup(hup, fw, c.Log.File)
			} else {
				log.Infof("Failed to log to %s, logging to default stderr", c.Log.File)
			}
		}

		// Report useful info
		log.Infof("rtmonitor version: %s", versionString())
		log.Infof("Listen: [%d]", c.Listen)
		log.Infof("Bus: [%s]", c.Bus)
		log.Infof("Publish endpoint: [%t]", c.Publish)
		log.Infof("Buffer: [%d]", c.Buffer)
		log.Infof("Purge every: [%s]", c.Purge.Every)
		log.Infof("Purge max age: [%s]", c.Purge.MaxAge)
		log.Infof("Purge rules: [%d]", len(c.Purge.Rules))
		if len(c.Secret) > 8 {
			log.Debugf("Secret: [%s...%s]", c.Secret[:4], c.Secret[len(c.Secret)-4:])
		}
		for _, m := range c.Monitors {
			log.Infof("Monitor: [%s] <- [%s]", m.HTTP.URI, m.Address)
		}

		b, err := bus.Open(c.Bus, c.BusName)

		if err != nil {
			log.WithField("error", err).Fatal("could not open bus")
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		if hub, ok := b.(*bus.Hub); ok {
			go hub.Run(closed)
		}

		engine, err := rtmonitor.New(rtmonitor.Config{
			Monitors:   c.MonitorConfigs(),
			Decoder:    rttoken.NewJWTDecoder(c.Secret),
			PurgeEvery: c.Purge.Every,
			MaxAge:     c.Purge.MaxAge,
			PurgeRules: c.PurgeRules(),
			Buffer:     c.Buffer,
		})

		if err != nil {
			log.WithField("error", err).Fatal("could not create engine")
		}

		go func() {
			if err := engine.Run(closed, b); err != nil {
				log.WithField("error", err).Fatal("engine stopped")
			}
		}()

		cc := crossbar.NewDefaultConfig().
			WithListen(c.Listen).
			WithEngine(engine)

		cc.Buffer = c.Buffer
		cc.Version = versionString()

		if c.Publish {
			cc = cc.WithPublisher(b)
		}

		sig := make(chan os.Signal, 1)

		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		go func() {
			for range sig {
				close(closed)
				wg.Wait()
				if err := b.Close(); err != nil {
					log.WithField("error", err).Warn("closing bus")
				}
				os.Exit(0)
			}
		}()

		wg.Add(1)

		go crossbar.Crossbar(*cc, closed, &wg)

		wg.Wait()

	},
}

// reopenOnHup lets logrotate move the log file out from under us
func reopenOnHup(hup <-chan os.Signal, fw *reopen.FileWriter, name string) {
	for range hup {
		if err := fw.Reopen(); err != nil {
			fmt.Printf("could not reopen log file %s: %s\n", name, err.Error())
			continue
		}
		log.Infof("reopened log file %s", name)
	}
}

func init() {
	serveCmd.Flags().String("config", "", "config file (default is $RTMONITOR_CONFIG)")
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}
