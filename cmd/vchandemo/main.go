// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command vchandemo spins up a server and a client over the in-memory
// vchan substrate, pipes stdin from the client to the server, and prints
// ring occupancy periodically.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/vchan-go/vchan/concurrency/gopool"
	"github.com/vchan-go/vchan/grant"
	"github.com/vchan-go/vchan/vchan"
)

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func run(c *cli.Context) error {
	log := newLogger(c.Bool("verbose"))
	domID := grant.DomID(c.Int("domid"))
	port := c.Int("port")
	readSize := c.Int("read-size")
	writeSize := c.Int("write-size")

	env := vchan.NewMemEnvironment()
	ctx := context.Background()
	pool := gopool.NewGoPool("vchandemo", nil)

	serverErr := make(chan error, 1)
	serverConn := make(chan *vchan.Conn, 1)
	pool.Go(func() {
		srv, err := vchan.Server(ctx, env, domID, port, readSize, writeSize, vchan.WithLogger(&log))
		if err != nil {
			serverErr <- err
			return
		}
		serverConn <- srv
	})

	client, err := vchan.Client(ctx, env, domID, port, vchan.WithLogger(&log))
	if err != nil {
		return fmt.Errorf("vchandemo: client attach: %w", err)
	}
	defer client.Close()

	var srv *vchan.Conn
	select {
	case err := <-serverErr:
		return fmt.Errorf("vchandemo: server attach: %w", err)
	case srv = <-serverConn:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("vchandemo: server never attached")
	}
	defer srv.Close()

	done := make(chan error, 1)
	pool.Go(func() {
		buf := make([]byte, 4096)
		for {
			n, err := srv.Read(buf)
			if n > 0 {
				fmt.Print(vchan.StagedString(buf[:n]))
			}
			if err != nil {
				if err == io.EOF {
					done <- nil
				} else {
					done <- err
				}
				return
			}
		}
	})

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	stop := make(chan struct{})
	pool.Go(func() {
		for {
			select {
			case <-ticker.C:
				stats, err := client.Stats()
				if err != nil {
					log.Error().Err(err).Msg("vchandemo: bad remote liveness")
					continue
				}
				log.Info().Int("data_ready", stats.DataReady).Int("buffer_space", stats.BufferSpace).
					Str("remote_state", stats.RemoteState.String()).Msg("vchandemo: client stats")
			case <-stop:
				return
			}
		}
	})

	w := client.Writer(ctx)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := w.WriteBinary(line); err != nil {
			close(stop)
			return fmt.Errorf("vchandemo: stage: %w", err)
		}
		if _, err := w.WriteBinary([]byte("\n")); err != nil {
			close(stop)
			return fmt.Errorf("vchandemo: stage: %w", err)
		}
		if err := w.Flush(); err != nil {
			close(stop)
			return fmt.Errorf("vchandemo: flush: %w", err)
		}
		log.Debug().Str("staged", vchan.StagedString(line)).Msg("vchandemo: wrote line")
	}
	close(stop)

	// Closing the client marks it Exited, so the server's reader drains
	// what is left in the ring and then sees io.EOF.
	client.Close()
	return <-done
}

func main() {
	app := cli.NewApp()
	app.Name = "vchandemo"
	app.Usage = "pipe stdin through an in-memory vchan server/client pair"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "read-size", Value: 4096, Usage: "server's read ring size in bytes"},
		cli.IntFlag{Name: "write-size", Value: 4096, Usage: "server's write ring size in bytes"},
		cli.IntFlag{Name: "domid", Value: 1, Usage: "domain id shared by server and client"},
		cli.IntFlag{Name: "port", Value: 1, Usage: "logical port shared by server and client"},
		cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vchandemo:", err)
		os.Exit(1)
	}
}
