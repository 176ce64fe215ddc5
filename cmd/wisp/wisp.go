package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/amlith/wisp/libwisp/client"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var domain string
	var user string
	var server string
	var config string
	var statusAddr string

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&domain, "d", "", "domain: the service domain to connect to")
	flag.StringVar(&user, "u", "", "user: the account name")
	flag.StringVar(&server, "s", "", "server: host[:port] override, skips SRV lookup")
	flag.StringVar(&config, "c", "wisp.json", "config: path to the configuration file")
	flag.StringVar(&statusAddr, "status", "", "status: serve the local status API on this address")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")

	flag.Parse()

	if *askVersion {
		fmt.Printf("wisp %s\n", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	rawConfig, err := client.ParseConfig(config)
	if err != nil {
		log.Fatal(err)
	}

	// commandline arguments override json
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			rawConfig.Domain = domain
		case "u":
			rawConfig.User = user
		case "s":
			rawConfig.Server = server
		}
	})

	conf, err := rawConfig.ProcessRawConfig()
	if err != nil {
		log.Fatal(err)
	}

	engine, err := client.NewEngine(conf, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	if statusAddr != "" {
		go serveStatus(statusAddr, engine)
	}

	if err := engine.Connect(); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}
