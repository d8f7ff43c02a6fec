// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/juju/loggo"

	"github.com/hemilabs/dnsseed/config"
	"github.com/hemilabs/dnsseed/seeder"
)

var log = loggo.GetLogger("dnsseed")

func init() {
	loggo.ConfigureLoggers("INFO")
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	srv, err := seeder.NewServer(cfg)
	if err != nil {
		return err
	}

	log.Infof("dnsseed starting for zone %s", cfg.ZoneHost)
	err = srv.Run(context.Background())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
