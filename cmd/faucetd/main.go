// Package main: faucetd, the faucet service daemon.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"faucetd/faucet"
	"faucetd/lib/backend"
	"faucetd/lib/config"
	"faucetd/lib/msg"
	"faucetd/lib/msg/amqp"
	"faucetd/lib/store"
	"faucetd/lib/store/db"
)

func main() {
	app := &cli.App{
		Name:  "faucetd",
		Usage: "signet/testnet faucet over bitcoind and lnd",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "get configuration from json `FILE`",
			},
			&cli.BoolFlag{
				Name:    "monitor",
				Aliases: []string{"m"},
				Usage:   "monitor the server with Prometheus at http://localhost:9100",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// extract configuration
	conf, err := config.ExtractConfiguration(c.String("config"))
	if err != nil {
		return err
	}

	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB

	if conf.DBConn != "" {
		if dbConn, err = db.New(conf.DBType, conf.DBConn); err != nil {
			return err
		}

		log.Printf("Connecting to database:%+v\n", conf.DBConn)
	}

	// load backend daemon clients
	chain, ln, err := backend.Init(context.Background(), conf)
	if err != nil {
		return err
	}

	log.Print("Backend clients loaded")

	// load Prometheus monitor
	if c.Bool("monitor") {
		go func() {
			log.Println("Serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn); err != nil {
				return err
			}
		}

		if err = mb.Setup(nil); err != nil {
			return err
		}
	case "":
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	// create faucet service
	f, err := faucet.New(conf, chain, ln, dbConn, mb)
	if err != nil {
		return err
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		f.Stop()
		close(finish)
	}()

	// settle reservations left held by ambiguous outcomes
	f.Reconcile()

	// init RESTful API, wait for its return and log response
	log.Printf("Faucet: %s\n", f.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish

	return nil
}
